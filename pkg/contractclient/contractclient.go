// Package contractclient provides a thin, ABI-driven wrapper around
// go-ethereum's ethclient for calling, sending to, and decoding transactions
// against a single on-chain contract. The batch quoter's contract-backed
// router uses it; the fork manager and the pending-state simulator make
// their own RPC calls and ABI packing.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthBackend is the subset of ethclient.Client this package needs, so fork
// RPC clients and live-chain clients are interchangeable.
type EthBackend interface {
	ethereum.ContractCaller
	ethereum.ContractTransactor
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ContractClient binds one contract address and ABI to an EthBackend.
type ContractClient struct {
	client  EthBackend
	address common.Address
	abi     abi.ABI
}

// NewContractClient builds a ContractClient for address, decoding/encoding
// calldata according to contractABI.
func NewContractClient(client EthBackend, address common.Address, contractABI abi.ABI) *ContractClient {
	return &ContractClient{client: client, address: address, abi: contractABI}
}

// Abi exposes the bound ABI, e.g. so a caller can re-pack calldata for a
// simulated send without round-tripping through this client.
func (c *ContractClient) Abi() abi.ABI {
	return c.abi
}

// ContractAddress returns the bound contract address.
func (c *ContractClient) ContractAddress() common.Address {
	return c.address
}

// Call performs an eth_call against method with args, unpacking the result
// into a slice of Go values. A nil opts uses the latest block.
func (c *ContractClient) Call(opts *bind, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	ctx := context.Background()
	var blockNumber *big.Int
	if opts != nil {
		if opts.Ctx != nil {
			ctx = opts.Ctx
		}
		if opts.From != (common.Address{}) {
			msg.From = opts.From
		}
		blockNumber = opts.BlockNumber
	}

	out, err := c.client.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s: %w", method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("contractclient: unpack %s: %w", method, err)
	}
	return values, nil
}

// bind carries the optional per-call overrides Call accepts; kept distinct
// from go-ethereum's own bind.CallOpts so this package has no dependency on
// accounts/abi/bind.
type bind struct {
	Ctx         context.Context
	From        common.Address
	BlockNumber *big.Int
}

// CallOpts constructs call overrides for Call.
func CallOpts(ctx context.Context, from common.Address, blockNumber *big.Int) *bind {
	return &bind{Ctx: ctx, From: from, BlockNumber: blockNumber}
}

// Send signs and submits a transaction invoking method with args, using key
// to sign and gasPrice/gasLimit as supplied by the caller (typically the gas
// optimizer and provider service).
func (c *ContractClient) Send(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, gasPrice *big.Int, gasLimit uint64, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})

	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return nil, fmt.Errorf("contractclient: sign %s: %w", method, err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("contractclient: send %s: %w", method, err)
	}
	return signedTx, nil
}

// TransactionData fetches the calldata of an already-broadcast transaction by
// hash, used when the caller only has a hash (e.g. a pending-tx notification)
// and needs the raw bytes to decode.
func (c *ContractClient) TransactionData(txHash common.Hash) ([]byte, error) {
	tx, _, err := c.client.TransactionByHash(context.Background(), txHash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch tx %s: %w", txHash, err)
	}
	return tx.Data(), nil
}

// ParseReceipt fetches and returns the receipt for a submitted transaction.
func (c *ContractClient) ParseReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch receipt %s: %w", txHash, err)
	}
	return receipt, nil
}

// DecodedTransaction is the decoded view of an arbitrary call against the
// bound contract: a method name plus its input arguments as Go values.
type DecodedTransaction struct {
	MethodName string
	Inputs     map[string]interface{}
}

// DecodeTransaction decodes raw calldata (selector + packed args) against the
// bound ABI.
func (c *ContractClient) DecodeTransaction(data []byte) (*DecodedTransaction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: calldata shorter than a method selector")
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: resolve method selector: %w", err)
	}

	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("contractclient: unpack inputs for %s: %w", method.Name, err)
	}

	return &DecodedTransaction{MethodName: method.Name, Inputs: args}, nil
}
