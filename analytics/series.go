// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package analytics

import (
	"time"
)

// SeriesPoint is one bucket of the transfer time series. Volume is the
// summed amount in token base units as a decimal string.
type SeriesPoint struct {
	BucketStart   time.Time `json:"bucket_start"`
	TransferCount int64     `json:"transfer_count"`
	Volume        string    `json:"volume"`
	UniqueBuyers  int64     `json:"unique_buyers"`
	UniqueSellers int64     `json:"unique_sellers"`
}

// zeroFill expands sparse bucket rows into a dense series covering
// every bucket in [start, end), oldest first. Buckets with no events
// get a zero point so charts render gaps instead of skipping them.
func zeroFill(byBucket map[int64]SeriesPoint, start, end time.Time, width time.Duration) []SeriesPoint {
	n := int(end.Sub(start) / width)
	series := make([]SeriesPoint, 0, n)
	for t := start; t.Before(end); t = t.Add(width) {
		if p, ok := byBucket[t.Unix()]; ok {
			p.BucketStart = t
			series = append(series, p)
			continue
		}
		series = append(series, SeriesPoint{
			BucketStart: t,
			Volume:      "0",
		})
	}
	return series
}
