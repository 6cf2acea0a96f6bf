package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Celo produces a block roughly every five seconds.
const blocksPerHour = 720

// Deposit is one G$ transfer observed on-chain.
type Deposit struct {
	TxHash      string
	Amount      float64
	BlockNumber uint64
	Timestamp   time.Time
	From        common.Address
	To          common.Address
}

// Scanner queries the chain for token transfer events between a sender and a
// recipient. It holds no local state; truth is always re-derived from the chain.
type Scanner struct {
	client  EthClient
	token   common.Address
	limiter *rate.Limiter
	log     *slog.Logger
}

// ScannerOption customises the scanner.
type ScannerOption func(*Scanner)

// WithScannerLogger supplies a structured logger.
func WithScannerLogger(log *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.log = log }
}

// WithRateLimit throttles RPC calls issued by the scanner.
func WithRateLimit(limiter *rate.Limiter) ScannerOption {
	return func(s *Scanner) { s.limiter = limiter }
}

// NewScanner constructs a scanner for the given token contract.
func NewScanner(client EthClient, token common.Address, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		client:  client,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposits returns the transfer events from sender to recipient within the
// lookback window, oldest last. A malformed individual log entry is skipped
// with a warning and never hides the well-formed entries around it. When the
// endpoint cannot be reached the call fails with ErrChainUnavailable.
func (s *Scanner) Deposits(ctx context.Context, sender, recipient common.Address, lookback time.Duration, expected *float64) ([]Deposit, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	latest, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", ErrChainUnavailable, err)
	}

	span := uint64(lookback.Hours() * blocksPerHour)
	var fromBlock uint64
	if span < latest {
		fromBlock = latest - span
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			{addressTopic(sender)},
			{addressTopic(recipient)},
		},
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %v", ErrChainUnavailable, err)
	}

	deposits := make([]Deposit, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Data) != 32 || len(entry.Topics) < 3 {
			s.log.Warn("skipping malformed transfer log",
				slog.String("tx", entry.TxHash.Hex()),
				slog.Uint64("block", entry.BlockNumber),
				slog.Int("data_len", len(entry.Data)))
			continue
		}
		amount := FromWei(new(big.Int).SetBytes(entry.Data))
		if expected != nil && math.Abs(amount-*expected) >= 0.01 {
			continue
		}
		deposits = append(deposits, Deposit{
			TxHash:      entry.TxHash.Hex(),
			Amount:      amount,
			BlockNumber: entry.BlockNumber,
			Timestamp:   s.blockTime(ctx, entry.BlockNumber),
			From:        common.BytesToAddress(entry.Topics[1].Bytes()),
			To:          common.BytesToAddress(entry.Topics[2].Bytes()),
		})
	}

	s.log.Info("deposit scan complete",
		slog.String("sender", sender.Hex()),
		slog.Uint64("from_block", fromBlock),
		slog.Uint64("to_block", latest),
		slog.Int("found", len(deposits)))
	return deposits, nil
}

// blockTime resolves the block timestamp for context. A failed header fetch
// degrades to a zero timestamp rather than failing the scan.
func (s *Scanner) blockTime(ctx context.Context, number uint64) time.Time {
	if err := s.limiter.Wait(ctx); err != nil {
		return time.Time{}
	}
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil || header == nil {
		s.log.Warn("block header unavailable", slog.Uint64("block", number))
		return time.Time{}
	}
	return time.Unix(int64(header.Time), 0).UTC()
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
