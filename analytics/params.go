// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/joaquim-verges/x402scan/facilitators"
)

// ErrInvalidParam marks client errors; the API layer maps it to 400.
var ErrInvalidParam = errors.New("invalid parameter")

// Bucket is the width of a time-series bucket.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// ParseBucket parses a bucket name. Empty defaults to day.
func ParseBucket(s string) (Bucket, error) {
	switch s {
	case "", "day":
		return BucketDay, nil
	case "hour":
		return BucketHour, nil
	default:
		return "", fmt.Errorf("%w: bucket %q (want hour or day)", ErrInvalidParam, s)
	}
}

// Width returns the bucket duration.
func (b Bucket) Width() time.Duration {
	if b == BucketHour {
		return time.Hour
	}
	return 24 * time.Hour
}

// SeriesParams selects a time-series window.
type SeriesParams struct {
	Days        int
	Bucket      Bucket
	Facilitator string // optional facilitator name or address
}

// normalize applies defaults and clamps the window so the series never
// exceeds maxPoints buckets.
func (p *SeriesParams) normalize(defaultDays, maxPoints int) error {
	if p.Days < 0 {
		return fmt.Errorf("%w: days must be positive", ErrInvalidParam)
	}
	if p.Days == 0 {
		p.Days = defaultDays
	}
	if p.Bucket == "" {
		p.Bucket = BucketDay
	}

	maxDays := maxPoints
	if p.Bucket == BucketHour {
		maxDays = maxPoints / 24
	}
	if maxDays < 1 {
		maxDays = 1
	}
	if p.Days > maxDays {
		p.Days = maxDays
	}
	return nil
}

// window returns the [start, end) range covered by the params, aligned
// to bucket boundaries in UTC. The current partial bucket is included.
func (p *SeriesParams) window(now time.Time) (time.Time, time.Time) {
	w := p.Bucket.Width()
	end := now.UTC().Truncate(w).Add(w)
	start := end.Add(-time.Duration(p.Days) * 24 * time.Hour)
	return start, end
}

// WindowParams is a plain lookback window for aggregates.
type WindowParams struct {
	Days int
}

func (p *WindowParams) normalize(defaultDays, maxDays int) error {
	if p.Days < 0 {
		return fmt.Errorf("%w: days must be positive", ErrInvalidParam)
	}
	if p.Days == 0 {
		p.Days = defaultDays
	}
	if p.Days > maxDays {
		p.Days = maxDays
	}
	return nil
}

// TopParams selects a leaderboard window and size.
type TopParams struct {
	Days  int
	Limit int
}

func (p *TopParams) normalize(defaultDays, maxDays, defaultLimit, maxLimit int) error {
	if p.Days < 0 || p.Limit < 0 {
		return fmt.Errorf("%w: days and limit must be positive", ErrInvalidParam)
	}
	if p.Days == 0 {
		p.Days = defaultDays
	}
	if p.Days > maxDays {
		p.Days = maxDays
	}
	if p.Limit == 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return nil
}

// ListParams selects a page of transfers.
type ListParams struct {
	Page        int // 1-based
	PageSize    int
	Facilitator string // optional facilitator name or address
	Address     string // optional sender-or-recipient filter
}

func (p *ListParams) normalize(defaultSize, maxSize int) error {
	if p.Page < 0 || p.PageSize < 0 {
		return fmt.Errorf("%w: page and page_size must be positive", ErrInvalidParam)
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.PageSize == 0 {
		p.PageSize = defaultSize
	}
	if p.PageSize > maxSize {
		p.PageSize = maxSize
	}
	if p.Address != "" {
		addr := facilitators.NormalizeAddress(p.Address)
		if addr == "" {
			return fmt.Errorf("%w: address %q", ErrInvalidParam, p.Address)
		}
		p.Address = addr
	}
	return nil
}
