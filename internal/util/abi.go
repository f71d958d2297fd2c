package util

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABI parses a bare ABI JSON array file (as produced alongside most
// Solidity toolchains) into a go-ethereum abi.ABI.
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: read ABI file %s: %w", path, err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: parse ABI file %s: %w", path, err)
	}
	return parsed, nil
}

// hardhatArtifact mirrors the subset of a Hardhat compilation artifact this
// engine cares about: the contract's ABI under the "abi" key.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact parses the "abi" field out of a Hardhat artifact
// JSON file, the format the contracts this engine trades against ship their
// interfaces in.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: read Hardhat artifact %s: %w", path, err)
	}

	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("util: parse Hardhat artifact %s: %w", path, err)
	}

	parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: parse ABI from artifact %s: %w", path, err)
	}
	return parsed, nil
}

// Hex2Bytes decodes a hex string, tolerating an optional "0x" prefix.
func Hex2Bytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
