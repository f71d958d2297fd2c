package util

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// Decrypt recovers the AES-GCM-encrypted private key stored as a hex string
// in the ENC_PK environment variable, using key as the AES key. The nonce is
// the first gcm.NonceSize() bytes (12 for standard GCM) of the decoded
// ciphertext and the rest is the sealed payload, matching the layout produced
// by the platform's secret provisioning step.
func Decrypt(key []byte, encHex string) (string, error) {
	ciphertext, err := hex.DecodeString(encHex)
	if err != nil {
		return "", fmt.Errorf("util: decode ciphertext hex: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("util: build AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("util: build GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("util: ciphertext shorter than nonce size %d", nonceSize)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("util: decrypt private key: %w", err)
	}

	return string(plaintext), nil
}
