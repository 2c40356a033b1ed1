// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package ingest polls an EVM chain for token Transfer logs submitted
// by facilitator wallets and appends them to the events store.
package ingest

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/joaquim-verges/x402scan/facilitators"
	"github.com/joaquim-verges/x402scan/storage"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Client is the subset of the Ethereum RPC API the ingester needs.
// *ethclient.Client satisfies it.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Invalidator is notified when new events land so cached aggregates
// get recomputed.
type Invalidator interface {
	InvalidateCache()
}

// Notifier pushes new transfers to live subscribers.
type Notifier interface {
	BroadcastTransfer(ev *storage.TransferEvent, facilitator string)
}

// Config for the ingester.
type Config struct {
	RPCURL        string
	ChainID       int64
	TokenAddress  string // token contract whose transfers are tracked
	StartBlock    uint64 // first block to scan on a fresh database
	Confirmations uint64 // blocks to wait before a block is final enough
	BatchSize     uint64 // max blocks per log query
	PollInterval  time.Duration
}

// DefaultConfig returns sensible defaults for Base mainnet USDC.
func DefaultConfig() Config {
	return Config{
		ChainID:       8453,
		TokenAddress:  "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Confirmations: 5,
		BatchSize:     2000,
		PollInterval:  5 * time.Second,
	}
}

// Ingester tails the chain and appends facilitator transfers.
type Ingester struct {
	client      Client
	store       *storage.Store
	registry    *facilitators.Registry
	invalidator Invalidator
	notifier    Notifier
	config      Config
	signer      types.Signer
	token       common.Address
	logger      *log.Logger

	nextBlock uint64
}

// Dial connects to the RPC endpoint and builds an ingester.
func Dial(ctx context.Context, cfg Config, store *storage.Store, registry *facilitators.Registry) (*Ingester, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return New(client, cfg, store, registry), nil
}

// New builds an ingester on an existing client.
func New(client Client, cfg Config, store *storage.Store, registry *facilitators.Registry) *Ingester {
	return &Ingester{
		client:   client,
		store:    store,
		registry: registry,
		config:   cfg,
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		token:    common.HexToAddress(cfg.TokenAddress),
		logger:   log.New(os.Stdout, "[ingest] ", log.LstdFlags),
	}
}

// SetInvalidator wires cache invalidation on new events.
func (in *Ingester) SetInvalidator(inv Invalidator) { in.invalidator = inv }

// SetNotifier wires live transfer notifications.
func (in *Ingester) SetNotifier(n Notifier) { in.notifier = n }

// Run polls for new blocks until ctx is done. Resumes from the highest
// indexed block; re-scanned ranges are harmless because inserts are
// idempotent.
func (in *Ingester) Run(ctx context.Context) error {
	latest, _, err := in.store.LatestBlock(ctx)
	if err != nil {
		return err
	}
	in.nextBlock = in.config.StartBlock
	if latest >= in.nextBlock {
		in.nextBlock = latest + 1
	}
	in.logger.Printf("starting at block %d", in.nextBlock)

	ticker := time.NewTicker(in.config.PollInterval)
	defer ticker.Stop()
	for {
		if err := in.poll(ctx); err != nil && ctx.Err() == nil {
			in.logger.Printf("poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll scans at most one batch of confirmed blocks.
func (in *Ingester) poll(ctx context.Context) error {
	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if head < in.config.Confirmations {
		return nil
	}
	safe := head - in.config.Confirmations
	if safe < in.nextBlock {
		return nil
	}

	to := safe
	if in.config.BatchSize > 0 && to-in.nextBlock+1 > in.config.BatchSize {
		to = in.nextBlock + in.config.BatchSize - 1
	}

	n, err := in.scanRange(ctx, in.nextBlock, to)
	if n > 0 {
		// A failed scan may still have inserted rows, and the retry
		// re-inserts them as duplicates. Invalidate now or cached
		// aggregates miss them until the TTL runs out.
		in.logger.Printf("blocks %d-%d: %d new transfers", in.nextBlock, to, n)
		if in.invalidator != nil {
			in.invalidator.InvalidateCache()
		}
	}
	if err != nil {
		return err
	}
	in.nextBlock = to + 1
	return nil
}

// scanRange fetches Transfer logs in [from, to] and stores those whose
// transaction was submitted by a facilitator wallet.
func (in *Ingester) scanRange(ctx context.Context, from, to uint64) (int, error) {
	logs, err := in.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{in.token},
		Topics:    [][]common.Hash{{transferTopic}},
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	blockTimes := make(map[uint64]time.Time)
	txSenders := make(map[common.Hash]string)
	inserted := 0

	for _, l := range logs {
		if l.Removed || len(l.Topics) != 3 {
			continue
		}

		sender, ok := txSenders[l.TxHash]
		if !ok {
			sender, err = in.txSender(ctx, l.TxHash)
			if err != nil {
				return inserted, err
			}
			txSenders[l.TxHash] = sender
		}
		// Only transactions submitted by facilitator wallets are
		// payment settlements; everything else is regular token
		// traffic.
		name := in.registry.Lookup(sender)
		if name == "" {
			continue
		}

		at, ok := blockTimes[l.BlockNumber]
		if !ok {
			header, err := in.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
			if err != nil {
				return inserted, fmt.Errorf("header %d: %w", l.BlockNumber, err)
			}
			at = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[l.BlockNumber] = at
		}

		ev := decodeTransfer(l, sender, at)
		fresh, err := in.store.InsertTransfer(ctx, ev)
		if err != nil {
			return inserted, err
		}
		if !fresh {
			continue
		}
		inserted++
		if in.notifier != nil {
			in.notifier.BroadcastTransfer(ev, name)
		}
	}
	return inserted, nil
}

// txSender recovers the from-address of the transaction.
func (in *Ingester) txSender(ctx context.Context, hash common.Hash) (string, error) {
	tx, pending, err := in.client.TransactionByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("tx %s: %w", hash.Hex(), err)
	}
	if pending {
		return "", fmt.Errorf("tx %s still pending", hash.Hex())
	}
	from, err := types.Sender(in.signer, tx)
	if err != nil {
		return "", fmt.Errorf("recover sender of %s: %w", hash.Hex(), err)
	}
	return facilitators.NormalizeAddress(from.Hex()), nil
}

// decodeTransfer maps a Transfer log onto a transfer event. The
// indexed topics carry from and to; the data field is the amount.
func decodeTransfer(l types.Log, facilitator string, at time.Time) *storage.TransferEvent {
	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())
	amount := new(big.Int).SetBytes(l.Data)

	return &storage.TransferEvent{
		ID:           storage.EventID(l.TxHash.Hex(), int(l.Index)),
		TxHash:       strings.ToLower(l.TxHash.Hex()),
		LogIndex:     int(l.Index),
		BlockNumber:  l.BlockNumber,
		BlockTime:    at,
		TokenAddress: facilitators.NormalizeAddress(l.Address.Hex()),
		Facilitator:  facilitator,
		Sender:       facilitators.NormalizeAddress(from.Hex()),
		Recipient:    facilitators.NormalizeAddress(to.Hex()),
		Amount:       amount.String(),
	}
}
