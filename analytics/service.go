// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package analytics computes aggregate statistics over the
// transfer-events table: totals, time series, facilitator breakdowns
// and account leaderboards. All reads are cached with a TTL and
// invalidated when new events arrive.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"sort"
	"time"

	"github.com/joaquim-verges/x402scan/cache"
	"github.com/joaquim-verges/x402scan/facilitators"
	"github.com/joaquim-verges/x402scan/storage"
)

// ErrUnknownFacilitator marks lookups of names the registry does not
// have; the API layer maps it to 404.
var ErrUnknownFacilitator = errors.New("unknown facilitator")

// Config holds analytics service configuration.
type Config struct {
	DefaultDays     int
	MaxWindowDays   int
	MaxDataPoints   int
	DefaultTopLimit int
	MaxTopLimit     int
	DefaultPageSize int
	MaxPageSize     int
	CacheTTL        time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDays:     30,
		MaxWindowDays:   365,
		MaxDataPoints:   365,
		DefaultTopLimit: 10,
		MaxTopLimit:     100,
		DefaultPageSize: 20,
		MaxPageSize:     100,
		CacheTTL:        5 * time.Minute,
		RefreshInterval: time.Minute,
	}
}

// Service computes analytics over the events store.
type Service struct {
	store    *storage.Store
	registry *facilitators.Registry
	cache    *cache.Cache
	config   Config
	logger   *log.Logger
}

// NewService creates an analytics service.
func NewService(store *storage.Store, registry *facilitators.Registry, config Config) *Service {
	return &Service{
		store:    store,
		registry: registry,
		cache:    cache.New(config.CacheTTL),
		config:   config,
		logger:   log.New(os.Stdout, "[analytics] ", log.LstdFlags),
	}
}

// InvalidateCache drops all cached aggregates. Called by the ingester
// when new events land.
func (s *Service) InvalidateCache() {
	s.cache.InvalidateAll()
}

// Overview holds all-time and 24h aggregate statistics.
type Overview struct {
	TotalTransfers     int64     `json:"total_transfers"`
	TotalVolume        string    `json:"total_volume"`
	UniqueBuyers       int64     `json:"unique_buyers"`
	UniqueSellers      int64     `json:"unique_sellers"`
	FacilitatorWallets int64     `json:"facilitator_wallets"`
	Transfers24h       int64     `json:"transfers_24h"`
	Volume24h          string    `json:"volume_24h"`
	LatestBlock        uint64    `json:"latest_block"`
	LatestBlockTime    time.Time `json:"latest_block_time"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// GetOverview returns aggregate totals, cached.
func (s *Service) GetOverview(ctx context.Context) (*Overview, error) {
	return cache.GetOrFill(ctx, s.cache, "overview", s.computeOverview)
}

func (s *Service) computeOverview(ctx context.Context) (*Overview, error) {
	d := s.store.Dialect()
	ov := &Overview{UpdatedAt: time.Now().UTC()}

	var totalVolume string
	query := fmt.Sprintf(`SELECT COUNT(*), %s, COUNT(DISTINCT sender), COUNT(DISTINCT recipient), COUNT(DISTINCT facilitator)
		FROM transfer_events`, d.SumExpr("amount"))
	err := s.store.DB().QueryRowContext(ctx, query).Scan(
		&ov.TotalTransfers, &totalVolume, &ov.UniqueBuyers, &ov.UniqueSellers, &ov.FacilitatorWallets)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	ov.TotalVolume = normalizeVolume(totalVolume)

	since := time.Now().UTC().Add(-24 * time.Hour)
	var volume24h string
	query = d.Rebind(fmt.Sprintf(`SELECT COUNT(*), %s FROM transfer_events WHERE block_time >= ?`, d.SumExpr("amount")))
	err = s.store.DB().QueryRowContext(ctx, query, since).Scan(&ov.Transfers24h, &volume24h)
	if err != nil {
		return nil, fmt.Errorf("query 24h totals: %w", err)
	}
	ov.Volume24h = normalizeVolume(volume24h)

	ov.LatestBlock, ov.LatestBlockTime, err = s.store.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	return ov, nil
}

// SeriesResponse is a dense, zero-filled transfer time series.
type SeriesResponse struct {
	Series      []SeriesPoint `json:"series"`
	Facilitator string        `json:"facilitator,omitempty"`
	Bucket      Bucket        `json:"bucket"`
	Period      string        `json:"period"`
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// GetSeries returns the bucketed transfer series for the window,
// zero-filled so every bucket in the range is present. An optional
// facilitator (name or address) narrows the series to its wallets.
func (s *Service) GetSeries(ctx context.Context, params SeriesParams) (*SeriesResponse, error) {
	if err := params.normalize(s.config.DefaultDays, s.config.MaxDataPoints); err != nil {
		return nil, err
	}
	name, addrs, err := s.ResolveFacilitator(params.Facilitator)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("series:%s:%d:%s", params.Bucket, params.Days, name)
	return cache.GetOrFill(ctx, s.cache, key, func(ctx context.Context) (*SeriesResponse, error) {
		return s.computeSeries(ctx, params, name, addrs)
	})
}

func (s *Service) computeSeries(ctx context.Context, params SeriesParams, name string, addrs []string) (*SeriesResponse, error) {
	d := s.store.Dialect()
	width := params.Bucket.Width()
	start, end := params.window(time.Now())

	query := fmt.Sprintf(`SELECT %s AS bucket, COUNT(*), %s, COUNT(DISTINCT sender), COUNT(DISTINCT recipient)
		FROM transfer_events
		WHERE block_time >= ? AND block_time < ?`,
		d.BucketExpr("block_time", width), d.SumExpr("amount"))
	args := []interface{}{start, end}
	if len(addrs) > 0 {
		query += fmt.Sprintf(" AND facilitator IN (%s)", storage.Placeholders(len(addrs)))
		for _, a := range addrs {
			args = append(args, a)
		}
	}
	query += " GROUP BY bucket ORDER BY bucket"

	rows, err := s.store.DB().QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	byBucket := make(map[int64]SeriesPoint)
	for rows.Next() {
		var bucket int64
		var p SeriesPoint
		var volume string
		if err := rows.Scan(&bucket, &p.TransferCount, &volume, &p.UniqueBuyers, &p.UniqueSellers); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		p.Volume = normalizeVolume(volume)
		byBucket[bucket] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series: %w", err)
	}

	return &SeriesResponse{
		Series:      zeroFill(byBucket, start, end, width),
		Facilitator: name,
		Bucket:      params.Bucket,
		Period:      fmt.Sprintf("%d days", params.Days),
		StartDate:   start,
		EndDate:     end,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// FacilitatorStats aggregates a facilitator cluster over a window.
type FacilitatorStats struct {
	Name          string    `json:"name"`
	Addresses     []string  `json:"addresses"`
	TransferCount int64     `json:"transfer_count"`
	Volume        string    `json:"volume"`
	UniqueSellers int64     `json:"unique_sellers"`
	LastActive    time.Time `json:"last_active"`
}

// BreakdownResponse lists per-facilitator aggregates, largest volume
// first.
type BreakdownResponse struct {
	Facilitators []FacilitatorStats `json:"facilitators"`
	Period       string             `json:"period"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// GetFacilitatorBreakdown groups transfers by facilitator wallet,
// folds wallets of the same operator into one entry, and ranks by
// volume. Wallets the registry does not know appear under their own
// address.
func (s *Service) GetFacilitatorBreakdown(ctx context.Context, params WindowParams) (*BreakdownResponse, error) {
	if err := params.normalize(s.config.DefaultDays, s.config.MaxWindowDays); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("breakdown:%d", params.Days)
	return cache.GetOrFill(ctx, s.cache, key, func(ctx context.Context) (*BreakdownResponse, error) {
		return s.computeBreakdown(ctx, params)
	})
}

type breakdownRow struct {
	addresses []string
	count     int64
	volume    *big.Int
	sellers   int64
	multi     bool
	last      time.Time
}

func (s *Service) computeBreakdown(ctx context.Context, params WindowParams) (*BreakdownResponse, error) {
	d := s.store.Dialect()
	since := time.Now().UTC().Add(-time.Duration(params.Days) * 24 * time.Hour)

	query := d.Rebind(fmt.Sprintf(`SELECT facilitator, COUNT(*), %s, COUNT(DISTINCT recipient), MAX(%s)
		FROM transfer_events
		WHERE block_time >= ?
		GROUP BY facilitator`, d.SumExpr("amount"), d.EpochExpr("block_time")))
	rows, err := s.store.DB().QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query breakdown: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*breakdownRow)
	for rows.Next() {
		var addr, volume string
		var count, sellers, lastEpoch int64
		if err := rows.Scan(&addr, &count, &volume, &sellers, &lastEpoch); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		last := time.Unix(lastEpoch, 0).UTC()

		name := s.registry.Lookup(addr)
		if name == "" {
			name = addr
		}
		vol, ok := new(big.Int).SetString(volume, 10)
		if !ok {
			vol = new(big.Int)
		}

		agg, exists := byName[name]
		if !exists {
			byName[name] = &breakdownRow{
				addresses: []string{addr},
				count:     count,
				volume:    vol,
				sellers:   sellers,
				last:      last,
			}
			continue
		}
		agg.addresses = append(agg.addresses, addr)
		agg.count += count
		agg.volume.Add(agg.volume, vol)
		agg.multi = true
		if last.After(agg.last) {
			agg.last = last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate breakdown: %w", err)
	}

	// Distinct sellers cannot be summed across a cluster's wallets;
	// re-count clusters that folded more than one wallet.
	for name, agg := range byName {
		if !agg.multi {
			continue
		}
		n, err := s.countDistinctSellers(ctx, since, agg.addresses)
		if err != nil {
			return nil, fmt.Errorf("recount sellers for %s: %w", name, err)
		}
		agg.sellers = n
	}

	stats := make([]FacilitatorStats, 0, len(byName))
	for name, agg := range byName {
		sort.Strings(agg.addresses)
		stats = append(stats, FacilitatorStats{
			Name:          name,
			Addresses:     agg.addresses,
			TransferCount: agg.count,
			Volume:        agg.volume.String(),
			UniqueSellers: agg.sellers,
			LastActive:    agg.last,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		vi, _ := new(big.Int).SetString(stats[i].Volume, 10)
		vj, _ := new(big.Int).SetString(stats[j].Volume, 10)
		if c := vi.Cmp(vj); c != 0 {
			return c > 0
		}
		return stats[i].Name < stats[j].Name
	})

	return &BreakdownResponse{
		Facilitators: stats,
		Period:       fmt.Sprintf("%d days", params.Days),
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (s *Service) countDistinctSellers(ctx context.Context, since time.Time, addrs []string) (int64, error) {
	d := s.store.Dialect()
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT recipient) FROM transfer_events
		WHERE block_time >= ? AND facilitator IN (%s)`, storage.Placeholders(len(addrs)))
	args := make([]interface{}, 0, len(addrs)+1)
	args = append(args, since)
	for _, a := range addrs {
		args = append(args, a)
	}
	var n int64
	if err := s.store.DB().QueryRowContext(ctx, d.Rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AccountStats aggregates one buyer or seller address.
type AccountStats struct {
	Address       string    `json:"address"`
	TransferCount int64     `json:"transfer_count"`
	Volume        string    `json:"volume"`
	LastActive    time.Time `json:"last_active"`
}

// LeaderboardResponse ranks accounts by volume, largest first.
type LeaderboardResponse struct {
	Accounts  []AccountStats `json:"accounts"`
	Period    string         `json:"period"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GetTopSellers ranks payment recipients by received volume.
func (s *Service) GetTopSellers(ctx context.Context, params TopParams) (*LeaderboardResponse, error) {
	return s.topAccounts(ctx, "sellers", "recipient", params)
}

// GetTopBuyers ranks payment senders by spent volume.
func (s *Service) GetTopBuyers(ctx context.Context, params TopParams) (*LeaderboardResponse, error) {
	return s.topAccounts(ctx, "buyers", "sender", params)
}

func (s *Service) topAccounts(ctx context.Context, kind, column string, params TopParams) (*LeaderboardResponse, error) {
	if err := params.normalize(s.config.DefaultDays, s.config.MaxWindowDays,
		s.config.DefaultTopLimit, s.config.MaxTopLimit); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("top:%s:%d:%d", kind, params.Days, params.Limit)
	return cache.GetOrFill(ctx, s.cache, key, func(ctx context.Context) (*LeaderboardResponse, error) {
		d := s.store.Dialect()
		since := time.Now().UTC().Add(-time.Duration(params.Days) * 24 * time.Hour)

		query := d.Rebind(fmt.Sprintf(`SELECT %[1]s, COUNT(*), %[2]s, MAX(%[4]s)
			FROM transfer_events
			WHERE block_time >= ?
			GROUP BY %[1]s
			ORDER BY %[3]s
			LIMIT ?`, column, d.SumExpr("amount"), d.SumOrderClause("amount"), d.EpochExpr("block_time")))
		rows, err := s.store.DB().QueryContext(ctx, query, since, params.Limit)
		if err != nil {
			return nil, fmt.Errorf("query top %s: %w", kind, err)
		}
		defer rows.Close()

		accounts := make([]AccountStats, 0, params.Limit)
		for rows.Next() {
			var a AccountStats
			var volume string
			var lastEpoch int64
			if err := rows.Scan(&a.Address, &a.TransferCount, &volume, &lastEpoch); err != nil {
				return nil, fmt.Errorf("scan top %s: %w", kind, err)
			}
			a.Volume = normalizeVolume(volume)
			a.LastActive = time.Unix(lastEpoch, 0).UTC()
			accounts = append(accounts, a)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate top %s: %w", kind, err)
		}

		return &LeaderboardResponse{
			Accounts:  accounts,
			Period:    fmt.Sprintf("%d days", params.Days),
			UpdatedAt: time.Now().UTC(),
		}, nil
	})
}

// PageParams points at the next page of a listing.
type PageParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// TransfersPage is one page of transfers, newest first. NextPageParams
// is nil on the last page.
type TransfersPage struct {
	Transfers      []storage.TransferEvent `json:"transfers"`
	NextPageParams *PageParams             `json:"next_page_params"`
}

// ListTransfers returns a page of recent transfers. Not cached: pages
// are cheap point queries and the feed should be live.
func (s *Service) ListTransfers(ctx context.Context, params ListParams) (*TransfersPage, error) {
	if err := params.normalize(s.config.DefaultPageSize, s.config.MaxPageSize); err != nil {
		return nil, err
	}
	_, addrs, err := s.ResolveFacilitator(params.Facilitator)
	if err != nil {
		return nil, err
	}

	filter := &storage.TransferFilter{FacilitatorAddrs: addrs, Address: params.Address}
	offset := (params.Page - 1) * params.PageSize
	events, err := s.store.RecentTransfers(ctx, params.PageSize, offset, filter)
	if err != nil {
		return nil, err
	}

	page := &TransfersPage{Transfers: make([]storage.TransferEvent, 0, params.PageSize)}
	if len(events) > params.PageSize {
		events = events[:params.PageSize]
		page.NextPageParams = &PageParams{Page: params.Page + 1, PageSize: params.PageSize}
	}
	page.Transfers = append(page.Transfers, events...)
	return page, nil
}

// ResolveFacilitator maps a facilitator reference (registry name or
// wallet address) to its display name and the wallet set to filter on.
// Empty means no filter. Addresses outside the registry filter on
// themselves.
func (s *Service) ResolveFacilitator(ref string) (string, []string, error) {
	if ref == "" {
		return "", nil, nil
	}
	if facilitators.IsAddress(ref) {
		addr := facilitators.NormalizeAddress(ref)
		if name := s.registry.Lookup(addr); name != "" {
			return name, s.registry.Addresses(name), nil
		}
		return addr, []string{addr}, nil
	}
	addrs := s.registry.Addresses(ref)
	if len(addrs) == 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownFacilitator, ref)
	}
	return ref, addrs, nil
}

// StartRefresher periodically rebuilds the overview so the dashboard
// landing page never pays the cold-cache cost. Runs until ctx is done.
func (s *Service) StartRefresher(ctx context.Context) {
	if s.config.RefreshInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.config.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ov, err := s.computeOverview(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Printf("overview refresh failed: %v", err)
					}
					continue
				}
				s.cache.Set("overview", ov)
			}
		}
	}()
}

// normalizeVolume canonicalizes a scanned SUM into a decimal string.
func normalizeVolume(v string) string {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return "0"
	}
	return n.String()
}
