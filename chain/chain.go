// Package chain provides the read (deposit scanning) and write (reward
// disbursement) surfaces against the Celo ledger that settles G$ transfers.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrChainUnavailable indicates the RPC endpoint could not be reached. Callers
// must treat it as retryable, never as "zero deposits found".
var ErrChainUnavailable = errors.New("chain: endpoint unavailable")

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient defines the subset of the Ethereum RPC used by the scanner and the
// settlement client.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	return ethclient.Dial(endpoint)
}

var weiPerToken = new(big.Float).SetFloat64(1e18)

// ToWei converts a G$ amount to its 18-decimal wei representation.
func ToWei(amount float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetFloat64(amount), weiPerToken)
	wei, _ := scaled.Int(nil)
	return wei
}

// FromWei converts an 18-decimal wei value to a G$ amount.
func FromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerToken).Float64()
	return value
}
