// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package api

import (
	"time"
)

// ErrorResponse is the JSON body for all error statuses.
type ErrorResponse struct {
	Message string `json:"message"`
}

// HealthResponse reports service and indexer status.
type HealthResponse struct {
	Status          string    `json:"status"`
	ChainID         int64     `json:"chain_id"`
	ChainName       string    `json:"chain_name"`
	LatestBlock     uint64    `json:"latest_block"`
	LatestBlockTime time.Time `json:"latest_block_time"`
	Version         string    `json:"version"`
}
