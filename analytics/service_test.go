// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/joaquim-verges/x402scan/facilitators"
	"github.com/joaquim-verges/x402scan/storage"
)

const (
	thirdwebA = "0x45c9fb77bbf7ccdbae4c503182602efa5eefd223"
	thirdwebB = "0x0192f7b39ab7cddf1ac2cbbe4ab74bcf7a5ef6a1"
	coinbase  = "0xdf4ce973921affeaeb3dad1a68d9e5a2b04ae5a6"
	unknownF  = "0x9999999999999999999999999999999999999999"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Backend: storage.BackendSQLite, URL: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	cfg := DefaultConfig()
	cfg.RefreshInterval = 0
	svc := NewService(store, facilitators.NewRegistry(facilitators.Defaults()), cfg)
	return svc, store
}

func insertEvent(t *testing.T, store *storage.Store, block uint64, at time.Time, facilitator, sender, recipient, amount string) {
	t.Helper()
	_, err := store.InsertTransfer(context.Background(), &storage.TransferEvent{
		TxHash:       fmt.Sprintf("0x%064d", block),
		LogIndex:     0,
		BlockNumber:  block,
		BlockTime:    at,
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Facilitator:  facilitator,
		Sender:       sender,
		Recipient:    recipient,
		Amount:       amount,
	})
	if err != nil {
		t.Fatalf("insert block %d: %v", block, err)
	}
}

func TestGetOverview(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertEvent(t, store, 100, now.Add(-2*time.Hour), coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "1000000")
	insertEvent(t, store, 101, now.Add(-time.Hour), thirdwebA,
		"0x2222222222222222222222222222222222222222",
		"0x4444444444444444444444444444444444444444", "2000000")
	// Outside the 24h window.
	insertEvent(t, store, 50, now.Add(-48*time.Hour), coinbase,
		"0x5555555555555555555555555555555555555555",
		"0x3333333333333333333333333333333333333333", "500000")

	ov, err := svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.TotalTransfers != 3 {
		t.Errorf("total transfers = %d, want 3", ov.TotalTransfers)
	}
	if ov.TotalVolume != "3500000" {
		t.Errorf("total volume = %q, want 3500000", ov.TotalVolume)
	}
	if ov.UniqueBuyers != 2 {
		t.Errorf("unique buyers = %d, want 2", ov.UniqueBuyers)
	}
	if ov.UniqueSellers != 3 {
		t.Errorf("unique sellers = %d, want 3", ov.UniqueSellers)
	}
	if ov.FacilitatorWallets != 2 {
		t.Errorf("facilitator wallets = %d, want 2", ov.FacilitatorWallets)
	}
	if ov.Transfers24h != 2 {
		t.Errorf("24h transfers = %d, want 2", ov.Transfers24h)
	}
	if ov.Volume24h != "3000000" {
		t.Errorf("24h volume = %q, want 3000000", ov.Volume24h)
	}
	if ov.LatestBlock != 101 {
		t.Errorf("latest block = %d, want 101", ov.LatestBlock)
	}
}

func TestGetOverviewEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	ov, err := svc.GetOverview(context.Background())
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.TotalTransfers != 0 || ov.TotalVolume != "0" || ov.Volume24h != "0" {
		t.Errorf("empty store overview = %+v", ov)
	}
}

func TestGetSeriesZeroFill(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Events in two separate hours; every other hour must be zero.
	insertEvent(t, store, 100, now.Add(-3*time.Hour), coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "1000000")
	insertEvent(t, store, 101, now.Add(-3*time.Hour), coinbase,
		"0x5555555555555555555555555555555555555555",
		"0x3333333333333333333333333333333333333333", "2000000")
	insertEvent(t, store, 102, now, coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x4444444444444444444444444444444444444444", "4000000")

	resp, err := svc.GetSeries(ctx, SeriesParams{Days: 1, Bucket: BucketHour})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(resp.Series) != 24 {
		t.Fatalf("got %d buckets, want 24", len(resp.Series))
	}
	if !resp.EndDate.After(now) {
		t.Errorf("end %v not after now %v", resp.EndDate, now)
	}

	var nonZero []SeriesPoint
	for i, p := range resp.Series {
		if p.BucketStart != resp.StartDate.Add(time.Duration(i)*time.Hour) {
			t.Errorf("bucket %d start = %v", i, p.BucketStart)
		}
		if p.TransferCount > 0 {
			nonZero = append(nonZero, p)
		} else if p.Volume != "0" {
			t.Errorf("zero bucket %d volume = %q", i, p.Volume)
		}
	}
	if len(nonZero) != 2 {
		t.Fatalf("got %d non-zero buckets, want 2", len(nonZero))
	}
	if nonZero[0].TransferCount != 2 || nonZero[0].Volume != "3000000" {
		t.Errorf("first bucket = %+v", nonZero[0])
	}
	if nonZero[0].UniqueBuyers != 2 || nonZero[0].UniqueSellers != 1 {
		t.Errorf("first bucket uniques = %+v", nonZero[0])
	}
	if nonZero[1].TransferCount != 1 || nonZero[1].Volume != "4000000" {
		t.Errorf("last bucket = %+v", nonZero[1])
	}
}

func TestGetSeriesFacilitatorFilter(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Both thirdweb wallets plus coinbase.
	insertEvent(t, store, 100, now, thirdwebA,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "1000000")
	insertEvent(t, store, 101, now, thirdwebB,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "2000000")
	insertEvent(t, store, 102, now, coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "4000000")

	resp, err := svc.GetSeries(ctx, SeriesParams{Days: 1, Bucket: BucketDay, Facilitator: "thirdweb"})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if resp.Facilitator != "thirdweb" {
		t.Errorf("facilitator = %q", resp.Facilitator)
	}
	var count int64
	for _, p := range resp.Series {
		count += p.TransferCount
	}
	if count != 2 {
		t.Errorf("thirdweb transfers = %d, want 2 (both wallets)", count)
	}

	// Filtering by one wallet of a cluster covers the whole cluster.
	resp, err = svc.GetSeries(ctx, SeriesParams{Days: 1, Bucket: BucketDay, Facilitator: thirdwebB})
	if err != nil {
		t.Fatalf("series by address: %v", err)
	}
	count = 0
	for _, p := range resp.Series {
		count += p.TransferCount
	}
	if count != 2 {
		t.Errorf("transfers by cluster address = %d, want 2", count)
	}

	if _, err := svc.GetSeries(ctx, SeriesParams{Facilitator: "nope"}); !errors.Is(err, ErrUnknownFacilitator) {
		t.Errorf("unknown facilitator err = %v", err)
	}
}

func TestSeriesParamsClamping(t *testing.T) {
	cases := []struct {
		name     string
		params   SeriesParams
		wantDays int
		wantErr  bool
	}{
		{"defaults", SeriesParams{}, 30, false},
		{"explicit", SeriesParams{Days: 7, Bucket: BucketDay}, 7, false},
		{"capped day", SeriesParams{Days: 9000, Bucket: BucketDay}, 365, false},
		{"capped hour", SeriesParams{Days: 60, Bucket: BucketHour}, 15, false},
		{"negative", SeriesParams{Days: -1}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.normalize(30, 365)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidParam) {
					t.Fatalf("err = %v, want ErrInvalidParam", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if tc.params.Days != tc.wantDays {
				t.Errorf("days = %d, want %d", tc.params.Days, tc.wantDays)
			}
		})
	}
}

func TestParseBucket(t *testing.T) {
	if b, err := ParseBucket(""); err != nil || b != BucketDay {
		t.Errorf("empty bucket = %v, %v", b, err)
	}
	if b, err := ParseBucket("hour"); err != nil || b != BucketHour {
		t.Errorf("hour bucket = %v, %v", b, err)
	}
	if _, err := ParseBucket("week"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("week err = %v", err)
	}
}

func TestFacilitatorBreakdownFoldsClusters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller1 := "0x3333333333333333333333333333333333333333"
	seller2 := "0x4444444444444444444444444444444444444444"
	buyer := "0x2222222222222222222222222222222222222222"

	// Same seller through both thirdweb wallets: distinct count must
	// not double.
	insertEvent(t, store, 100, now.Add(-2*time.Hour), thirdwebA, buyer, seller1, "1000000")
	insertEvent(t, store, 101, now.Add(-time.Hour), thirdwebB, buyer, seller1, "2000000")
	insertEvent(t, store, 102, now, thirdwebA, buyer, seller2, "3000000")
	insertEvent(t, store, 103, now, coinbase, buyer, seller1, "1500000")
	insertEvent(t, store, 104, now, unknownF, buyer, seller1, "100")

	resp, err := svc.GetFacilitatorBreakdown(ctx, WindowParams{Days: 7})
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(resp.Facilitators) != 3 {
		t.Fatalf("got %d facilitators, want 3: %+v", len(resp.Facilitators), resp.Facilitators)
	}

	// Ordered by volume: thirdweb (6000000), coinbase (1500000), unknown (100).
	tw := resp.Facilitators[0]
	if tw.Name != "thirdweb" {
		t.Fatalf("first = %q, want thirdweb", tw.Name)
	}
	if tw.TransferCount != 3 || tw.Volume != "6000000" {
		t.Errorf("thirdweb = %+v", tw)
	}
	if len(tw.Addresses) != 2 {
		t.Errorf("thirdweb addresses = %v", tw.Addresses)
	}
	if tw.UniqueSellers != 2 {
		t.Errorf("thirdweb unique sellers = %d, want 2", tw.UniqueSellers)
	}

	if resp.Facilitators[1].Name != "coinbase" {
		t.Errorf("second = %q", resp.Facilitators[1].Name)
	}
	// Unregistered wallets appear under their own address.
	if resp.Facilitators[2].Name != unknownF {
		t.Errorf("third = %q, want %q", resp.Facilitators[2].Name, unknownF)
	}
}

func TestTopSellersAndBuyers(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buyerA := "0x2222222222222222222222222222222222222222"
	buyerB := "0x5555555555555555555555555555555555555555"
	sellerA := "0x3333333333333333333333333333333333333333"
	sellerB := "0x4444444444444444444444444444444444444444"

	insertEvent(t, store, 100, now, coinbase, buyerA, sellerA, "1000000")
	insertEvent(t, store, 101, now, coinbase, buyerA, sellerB, "5000000")
	insertEvent(t, store, 102, now, coinbase, buyerB, sellerA, "2000000")

	sellers, err := svc.GetTopSellers(ctx, TopParams{Days: 7, Limit: 10})
	if err != nil {
		t.Fatalf("top sellers: %v", err)
	}
	if len(sellers.Accounts) != 2 {
		t.Fatalf("got %d sellers, want 2", len(sellers.Accounts))
	}
	if sellers.Accounts[0].Address != sellerB || sellers.Accounts[0].Volume != "5000000" {
		t.Errorf("top seller = %+v", sellers.Accounts[0])
	}
	if sellers.Accounts[1].Address != sellerA || sellers.Accounts[1].TransferCount != 2 {
		t.Errorf("second seller = %+v", sellers.Accounts[1])
	}

	buyers, err := svc.GetTopBuyers(ctx, TopParams{Days: 7, Limit: 1})
	if err != nil {
		t.Fatalf("top buyers: %v", err)
	}
	if len(buyers.Accounts) != 1 {
		t.Fatalf("got %d buyers, want 1 (limit)", len(buyers.Accounts))
	}
	if buyers.Accounts[0].Address != buyerA || buyers.Accounts[0].Volume != "6000000" {
		t.Errorf("top buyer = %+v", buyers.Accounts[0])
	}
}

func TestVolumesBeyondInt64(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Amounts for an 18-decimal token; each transfer alone overflows
	// a 64-bit sum.
	sellerA := "0x3333333333333333333333333333333333333333"
	sellerB := "0x4444444444444444444444444444444444444444"
	insertEvent(t, store, 100, now, coinbase,
		"0x2222222222222222222222222222222222222222", sellerA, "90000000000000000000")
	insertEvent(t, store, 101, now, coinbase,
		"0x2222222222222222222222222222222222222222", sellerB, "50000000000000000000")
	insertEvent(t, store, 102, now, coinbase,
		"0x2222222222222222222222222222222222222222", sellerB, "50000000000000000000")

	overview, err := svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.TotalVolume != "190000000000000000000" {
		t.Errorf("total volume = %q, want 190000000000000000000", overview.TotalVolume)
	}

	sellers, err := svc.GetTopSellers(ctx, TopParams{Days: 7, Limit: 10})
	if err != nil {
		t.Fatalf("top sellers: %v", err)
	}
	if len(sellers.Accounts) != 2 {
		t.Fatalf("got %d sellers, want 2", len(sellers.Accounts))
	}
	if sellers.Accounts[0].Address != sellerB || sellers.Accounts[0].Volume != "100000000000000000000" {
		t.Errorf("top seller = %+v, want %s with 100000000000000000000", sellers.Accounts[0], sellerB)
	}
	if sellers.Accounts[1].Volume != "90000000000000000000" {
		t.Errorf("second seller volume = %q, want 90000000000000000000", sellers.Accounts[1].Volume)
	}
}

func TestTopSellersEmptyNotNil(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.GetTopSellers(context.Background(), TopParams{})
	if err != nil {
		t.Fatalf("top sellers: %v", err)
	}
	if resp.Accounts == nil {
		t.Error("accounts slice is nil, want empty")
	}
}

func TestListTransfersPagination(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		insertEvent(t, store, uint64(100+i), now.Add(time.Duration(i)*time.Minute), coinbase,
			"0x2222222222222222222222222222222222222222",
			"0x3333333333333333333333333333333333333333", "1000000")
	}

	page, err := svc.ListTransfers(ctx, ListParams{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page.Transfers) != 2 {
		t.Fatalf("page 1: got %d transfers", len(page.Transfers))
	}
	if page.Transfers[0].BlockNumber != 104 {
		t.Errorf("not newest first: %d", page.Transfers[0].BlockNumber)
	}
	if page.NextPageParams == nil || page.NextPageParams.Page != 2 {
		t.Fatalf("page 1 next = %+v", page.NextPageParams)
	}

	page, err = svc.ListTransfers(ctx, ListParams{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page.Transfers) != 1 {
		t.Fatalf("page 3: got %d transfers", len(page.Transfers))
	}
	if page.NextPageParams != nil {
		t.Errorf("last page next = %+v", page.NextPageParams)
	}

	if _, err := svc.ListTransfers(ctx, ListParams{Address: "not-an-address"}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("bad address err = %v", err)
	}
}

func TestCacheInvalidation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertEvent(t, store, 100, now, coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "1000000")

	ov, err := svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.TotalTransfers != 1 {
		t.Fatalf("total = %d", ov.TotalTransfers)
	}

	insertEvent(t, store, 101, now, coinbase,
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333", "1000000")

	// Cached until invalidated.
	ov, _ = svc.GetOverview(ctx)
	if ov.TotalTransfers != 1 {
		t.Fatalf("cached total = %d, want 1", ov.TotalTransfers)
	}

	svc.InvalidateCache()
	ov, err = svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("overview after invalidate: %v", err)
	}
	if ov.TotalTransfers != 2 {
		t.Errorf("total after invalidate = %d, want 2", ov.TotalTransfers)
	}
}
