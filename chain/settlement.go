package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Classified disbursement outcomes.
var (
	// ErrInvalidBatch is returned before any chain interaction when a batch
	// request is malformed or exceeds the maximum batch size.
	ErrInvalidBatch = errors.New("chain: invalid batch")
	// ErrInsufficientFunds indicates the payer cannot cover the transfer or its gas.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	// ErrTimeout indicates the confirmation wait expired. The transaction may
	// still land; callers must reconcile by correlation id, never blind-retry.
	ErrTimeout = errors.New("chain: confirmation timeout")
	// ErrReverted indicates the transaction was included but failed on-chain.
	ErrReverted = errors.New("chain: transaction reverted")
)

// MaxBatchSize bounds DisburseBatch requests.
const MaxBatchSize = 50

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

const rewardContractABI = `[
	{"inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"rewardIds","type":"string[]"}],"name":"batchDisburseRewards","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Result reports a confirmed disbursement.
type Result struct {
	TxHash      string
	GasUsed     uint64
	BlockNumber uint64
	Fee         *big.Int
}

// ClientConfig carries the static parameters of the settlement client.
type ClientConfig struct {
	ChainID        *big.Int
	Token          common.Address
	RewardContract common.Address
	SigningKey     *ecdsa.PrivateKey
	// GasPriceFactor is the safety multiplier over the sampled network gas
	// price. Values below 1.0 are raised to the 1.2 default.
	GasPriceFactor float64
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client builds, signs, submits, and awaits confirmation of outbound G$
// transfers. Submission is irreversible; a timeout never proves the transfer
// did not land.
type Client struct {
	eth        EthClient
	cfg        ClientConfig
	sender     common.Address
	erc20      abi.ABI
	rewardCtrt abi.ABI
	log        *slog.Logger
}

// NewClient constructs a settlement client from the supplied configuration.
func NewClient(eth EthClient, cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if cfg.GasPriceFactor < 1.0 {
		cfg.GasPriceFactor = 1.2
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 250000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}
	rewardCtrt, err := abi.JSON(strings.NewReader(rewardContractABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse reward contract abi: %w", err)
	}
	return &Client{
		eth:        eth,
		cfg:        cfg,
		sender:     gethcrypto.PubkeyToAddress(cfg.SigningKey.PublicKey),
		erc20:      erc20,
		rewardCtrt: rewardCtrt,
		log:        log,
	}, nil
}

// Sender returns the signing identity's address.
func (c *Client) Sender() common.Address { return c.sender }

// Disburse transfers amount G$ to the recipient and blocks for inclusion. The
// correlation id travels through logs so an unconfirmed submission can be
// matched against chain history later.
func (c *Client) Disburse(ctx context.Context, recipient common.Address, amount float64, correlationID string) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("chain: disburse amount must be positive")
	}
	wei := ToWei(amount)

	// Best-effort pre-check. Chain state can move between check and
	// submission; the submission result stays authoritative.
	if balance, err := c.tokenBalance(ctx, c.sender); err == nil && balance.Cmp(wei) < 0 {
		return nil, fmt.Errorf("%w: payer holds %s wei, needs %s", ErrInsufficientFunds, balance, wei)
	}

	data, err := c.erc20.Pack("transfer", recipient, wei)
	if err != nil {
		return nil, fmt.Errorf("chain: pack transfer: %w", err)
	}
	return c.submit(ctx, c.cfg.Token, data, c.cfg.GasLimit, correlationID)
}

// DisburseBatch transfers several rewards in one reward-contract call. The
// batch is validated and rejected before any chain interaction when oversized
// or mismatched.
func (c *Client) DisburseBatch(ctx context.Context, recipients []common.Address, amounts []float64, correlationIDs []string) (*Result, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(recipients) != len(amounts) || len(recipients) != len(correlationIDs) {
		return nil, fmt.Errorf("%w: arrays length mismatch", ErrInvalidBatch)
	}
	if len(recipients) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d entries exceeds maximum %d", ErrInvalidBatch, len(recipients), MaxBatchSize)
	}
	if (c.cfg.RewardContract == common.Address{}) {
		return nil, fmt.Errorf("chain: reward contract not configured")
	}

	total := new(big.Int)
	amountsWei := make([]*big.Int, len(amounts))
	for i, amount := range amounts {
		if amount <= 0 {
			return nil, fmt.Errorf("%w: amount at index %d must be positive", ErrInvalidBatch, i)
		}
		amountsWei[i] = ToWei(amount)
		total.Add(total, amountsWei[i])
	}

	if balance, err := c.tokenBalance(ctx, c.cfg.RewardContract); err == nil && balance.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: contract holds %s wei, batch needs %s", ErrInsufficientFunds, balance, total)
	}

	data, err := c.rewardCtrt.Pack("batchDisburseRewards", recipients, amountsWei, correlationIDs)
	if err != nil {
		return nil, fmt.Errorf("chain: pack batch: %w", err)
	}
	gasLimit := uint64(500000 + len(recipients)*50000)
	return c.submit(ctx, c.cfg.RewardContract, data, gasLimit, strings.Join(correlationIDs, ","))
}

func (c *Client) submit(ctx context.Context, to common.Address, data []byte, gasLimit uint64, correlationID string) (*Result, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrChainUnavailable, err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrChainUnavailable, err)
	}
	gasPrice = scaleGasPrice(gasPrice, c.cfg.GasPriceFactor)

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.cfg.ChainID), c.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: send: %v", ErrChainUnavailable, err)
	}

	txHash := signed.Hash()
	c.log.Info("transaction submitted",
		slog.String("tx", txHash.Hex()),
		slog.String("correlation_id", correlationID),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", gasPrice.String()))

	receipt, err := c.waitReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrReverted, txHash.Hex())
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	result := &Result{
		TxHash:      txHash.Hex(),
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Fee:         fee,
	}
	c.log.Info("transaction confirmed",
		slog.String("tx", result.TxHash),
		slog.Uint64("block", result.BlockNumber),
		slog.Uint64("gas_used", result.GasUsed))
	return result, nil
}

// waitReceipt polls for the transaction receipt within the bounded
// confirmation window. Expiry yields ErrTimeout carrying the hash; the
// transfer may still land afterwards.
func (c *Client) waitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	deadline := time.NewTimer(c.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Warn("receipt poll failed", slog.String("tx", txHash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: tx %s: %v", ErrTimeout, txHash.Hex(), ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("%w: tx %s unconfirmed after %s", ErrTimeout, txHash.Hex(), c.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	token := c.cfg.Token
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty balanceOf response")
	}
	return new(big.Int).SetBytes(out), nil
}

func scaleGasPrice(price *big.Int, factor float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(price), new(big.Float).SetFloat64(factor))
	result, _ := scaled.Int(nil)
	return result
}
