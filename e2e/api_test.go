// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/joaquim-verges/x402scan/analytics"
	"github.com/joaquim-verges/x402scan/api"
)

const (
	coinbaseWallet = "0xdf4ce973921affeaeb3dad1a68d9e5a2b04ae5a6"
	thirdwebWallet = "0x45c9fb77bbf7ccdbae4c503182602efa5eefd223"
)

var _ = Describe("Analytics API", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack()
	})

	AfterEach(func() {
		s.close()
	})

	getJSON := func(path string, into interface{}) int {
		resp, err := http.Get(s.http.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		if into != nil && resp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(resp.Body).Decode(into)).To(Succeed())
		}
		return resp.StatusCode
	}

	Context("Health", func() {
		It("reports service status", func() {
			var health api.HealthResponse
			Expect(getJSON("/health", &health)).To(Equal(http.StatusOK))
			Expect(health.Status).To(Equal("ok"))
			Expect(health.ChainID).To(Equal(int64(8453)))
		})
	})

	Context("Overview", func() {
		It("aggregates totals across facilitators", func() {
			now := time.Now().UTC()
			s.seed(5, coinbaseWallet, now.Add(-time.Hour))
			s.seed(3, thirdwebWallet, now.Add(-30*time.Minute))

			var ov analytics.Overview
			Expect(getJSON("/api/v1/overview", &ov)).To(Equal(http.StatusOK))
			Expect(ov.TotalTransfers).To(Equal(int64(8)))
			// 5 seeds: 1+2+3+4+5 = 15M; 3 seeds: 1+2+3 = 6M.
			Expect(ov.TotalVolume).To(Equal("21000000"))
			Expect(ov.FacilitatorWallets).To(Equal(int64(2)))
			Expect(ov.Transfers24h).To(Equal(int64(8)))
		})

		It("returns zeroes for an empty database", func() {
			var ov analytics.Overview
			Expect(getJSON("/api/v1/overview", &ov)).To(Equal(http.StatusOK))
			Expect(ov.TotalTransfers).To(BeZero())
			Expect(ov.TotalVolume).To(Equal("0"))
		})
	})

	Context("Series", func() {
		It("returns a dense zero-filled series", func() {
			now := time.Now().UTC()
			s.seed(2, coinbaseWallet, now.Add(-10*time.Minute))

			var series analytics.SeriesResponse
			Expect(getJSON("/api/v1/series?days=1&bucket=hour", &series)).To(Equal(http.StatusOK))
			Expect(series.Series).To(HaveLen(24))

			var total int64
			for _, p := range series.Series {
				total += p.TransferCount
				Expect(p.Volume).NotTo(BeEmpty())
			}
			Expect(total).To(Equal(int64(2)))
		})

		It("rejects malformed parameters", func() {
			Expect(getJSON("/api/v1/series?bucket=fortnight", nil)).To(Equal(http.StatusBadRequest))
			Expect(getJSON("/api/v1/series?days=-3", nil)).To(Equal(http.StatusBadRequest))
		})
	})

	Context("Facilitators", func() {
		It("folds cluster wallets and ranks by volume", func() {
			now := time.Now().UTC()
			s.seed(5, coinbaseWallet, now.Add(-time.Hour))
			s.seed(3, thirdwebWallet, now.Add(-30*time.Minute))

			var breakdown analytics.BreakdownResponse
			Expect(getJSON("/api/v1/facilitators", &breakdown)).To(Equal(http.StatusOK))
			Expect(breakdown.Facilitators).To(HaveLen(2))
			Expect(breakdown.Facilitators[0].Name).To(Equal("coinbase"))
			Expect(breakdown.Facilitators[0].Volume).To(Equal("15000000"))
			Expect(breakdown.Facilitators[1].Name).To(Equal("thirdweb"))
		})

		It("scopes series to one facilitator", func() {
			now := time.Now().UTC()
			s.seed(5, coinbaseWallet, now.Add(-time.Hour))
			s.seed(3, thirdwebWallet, now.Add(-30*time.Minute))

			var series analytics.SeriesResponse
			Expect(getJSON("/api/v1/facilitators/thirdweb/series?days=1", &series)).To(Equal(http.StatusOK))
			var total int64
			for _, p := range series.Series {
				total += p.TransferCount
			}
			Expect(total).To(Equal(int64(3)))
		})

		It("404s on unknown names", func() {
			Expect(getJSON("/api/v1/facilitators/acme", nil)).To(Equal(http.StatusNotFound))
		})
	})

	Context("Transfers", func() {
		It("pages through the feed newest first", func() {
			now := time.Now().UTC()
			s.seed(5, coinbaseWallet, now.Add(-time.Hour))

			var page analytics.TransfersPage
			Expect(getJSON("/api/v1/transfers?page_size=2", &page)).To(Equal(http.StatusOK))
			Expect(page.Transfers).To(HaveLen(2))
			Expect(page.NextPageParams).NotTo(BeNil())
			first := page.Transfers[0].BlockNumber

			var last analytics.TransfersPage
			Expect(getJSON(fmt.Sprintf("/api/v1/transfers?page=%d&page_size=2", page.NextPageParams.Page+1), &last)).To(Equal(http.StatusOK))
			Expect(last.Transfers).To(HaveLen(1))
			Expect(last.NextPageParams).To(BeNil())
			Expect(last.Transfers[0].BlockNumber).To(BeNumerically("<", first))
		})

		It("serves single transfers with the facilitator name", func() {
			now := time.Now().UTC()
			s.seed(1, coinbaseWallet, now)

			var page analytics.TransfersPage
			Expect(getJSON("/api/v1/transfers", &page)).To(Equal(http.StatusOK))
			Expect(page.Transfers).To(HaveLen(1))

			var single struct {
				Facilitator string `json:"facilitator"`
			}
			Expect(getJSON("/api/v1/transfers/"+page.Transfers[0].ID, &single)).To(Equal(http.StatusOK))
			Expect(single.Facilitator).To(Equal("coinbase"))
		})
	})

	Context("Cache", func() {
		It("serves fresh data after invalidation", func() {
			now := time.Now().UTC()
			s.seed(2, coinbaseWallet, now.Add(-time.Hour))

			var ov analytics.Overview
			Expect(getJSON("/api/v1/overview", &ov)).To(Equal(http.StatusOK))
			Expect(ov.TotalTransfers).To(Equal(int64(2)))

			s.seed(3, thirdwebWallet, now)
			s.service.InvalidateCache()

			Expect(getJSON("/api/v1/overview", &ov)).To(Equal(http.StatusOK))
			Expect(ov.TotalTransfers).To(Equal(int64(5)))
		})
	})
})
