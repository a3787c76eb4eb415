// Package provider is the client for the Sentinel Hub Statistical API. It
// handles authentication, payload construction and retry; it contains no
// business logic and no database access.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parcelwatch/parcelwatch/internal/httputil"
	"github.com/parcelwatch/parcelwatch/internal/metrics"
)

const DefaultBaseURL = "https://services.sentinel-hub.com"

const statisticsPath = "/api/v1/statistics"

type Client struct {
	baseURL string
	auth    *Authenticator
	client  *http.Client
}

func NewClient(baseURL, clientID, clientSecret string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		auth:    NewAuthenticator(baseURL, clientID, clientSecret),
		client:  httputil.NewClient(),
	}
}

// GetStatistics requests per-day aggregate statistics for a polygon and date
// window. Rate limits and server errors are retried with exponential backoff;
// other failures are returned immediately.
func (c *Client) GetStatistics(ctx context.Context, req StatisticsRequest) (*StatisticsResponse, error) {
	payload := buildStatisticsPayload(req)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var body []byte
	operation := func() error {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("authenticate: %w", err))
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+statisticsPath, bytes.NewReader(payloadJSON))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.client.Do(httpReq)
		metrics.ProviderAPILatency.WithLabelValues(statisticsPath).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderAPICallsTotal.WithLabelValues(statisticsPath, "error").Inc()
			return backoff.Permanent(fmt.Errorf("post statistics: %w", err))
		}
		defer resp.Body.Close()

		metrics.ProviderAPICallsTotal.WithLabelValues(statisticsPath, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("statistics api: retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(b), 512)})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	var stats StatisticsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("unmarshal statistics: %w", err)
	}
	return &stats, nil
}

func buildStatisticsPayload(req StatisticsRequest) statisticsPayload {
	from := req.StartDate + "T00:00:00Z"
	to := req.EndDate + "T23:59:59Z"
	timeRange := payloadTimeRange{From: from, To: to}

	return statisticsPayload{
		Input: payloadInput{
			Bounds: payloadBounds{Geometry: req.Geometry},
			Data: []payloadData{
				{
					Type: req.DataType,
					DataFilter: payloadDataFilter{
						TimeRange:        timeRange,
						MaxCloudCoverage: req.MaxCloudCoverage,
					},
				},
			},
		},
		Aggregation: payloadAggregation{
			TimeRange: timeRange,
			// One aggregation interval per day.
			AggregationInterval: payloadInterval{Of: "P1D"},
			Evalscript:          req.Evalscript,
		},
		Calculations: payloadCalculations{
			Default: payloadCalculation{
				Statistics: map[string]struct{}{"default": {}},
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
