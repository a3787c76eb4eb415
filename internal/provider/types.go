package provider

import (
	"encoding/json"
	"fmt"
)

// StatusError is an HTTP-level failure from the statistics API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("statistics api: status %d: %s", e.StatusCode, e.Body)
}

// StatisticsRequest describes one Statistical API call: a polygon, a date
// window, a processing script and a cloud ceiling.
type StatisticsRequest struct {
	Geometry         json.RawMessage
	DataType         string // e.g. "sentinel-2-l2a"
	StartDate        string // "2006-01-02"
	EndDate          string // "2006-01-02"
	Evalscript       string
	MaxCloudCoverage int
}

// StatisticsResponse mirrors the Statistical API response: one entry per
// aggregation interval (one per day with P1D aggregation).
type StatisticsResponse struct {
	Data []IntervalData `json:"data"`
}

type IntervalData struct {
	Interval Interval          `json:"interval"`
	Outputs  map[string]Output `json:"outputs"`
}

type Interval struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Output struct {
	Bands map[string]Band `json:"bands"`
}

type Band struct {
	Stats Stats `json:"stats"`
}

// Stats are the per-band aggregates returned for one interval. StDev and
// SampleCount are pointers because the API omits them for empty intervals.
type Stats struct {
	Mean        float64  `json:"mean"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	StDev       *float64 `json:"stDev"`
	SampleCount *int64   `json:"sampleCount"`
}

// request payload shapes

type statisticsPayload struct {
	Input        payloadInput        `json:"input"`
	Aggregation  payloadAggregation  `json:"aggregation"`
	Calculations payloadCalculations `json:"calculations"`
}

type payloadInput struct {
	Bounds payloadBounds `json:"bounds"`
	Data   []payloadData `json:"data"`
}

type payloadBounds struct {
	Geometry json.RawMessage `json:"geometry"`
}

type payloadData struct {
	Type       string            `json:"type"`
	DataFilter payloadDataFilter `json:"dataFilter"`
}

type payloadDataFilter struct {
	TimeRange        payloadTimeRange `json:"timeRange"`
	MaxCloudCoverage int              `json:"maxCloudCoverage"`
}

type payloadTimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type payloadAggregation struct {
	TimeRange           payloadTimeRange `json:"timeRange"`
	AggregationInterval payloadInterval  `json:"aggregationInterval"`
	Evalscript          string           `json:"evalscript"`
}

type payloadInterval struct {
	Of string `json:"of"`
}

type payloadCalculations struct {
	Default payloadCalculation `json:"default"`
}

type payloadCalculation struct {
	Statistics map[string]struct{} `json:"statistics"`
}
