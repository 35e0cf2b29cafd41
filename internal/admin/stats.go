package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shineum/sendgrid-relay/internal/sendgrid"
)

// Series is the chart line of one metric.
type Series struct {
	Key    string  `json:"-"`
	Label  string  `json:"label"`
	Values []int64 `json:"values"`
}

// MetricSeries is kept in first-seen order and encodes as a JSON object
// keyed by metric name.
type MetricSeries []*Series

// Get returns the series for key, or nil.
func (m MetricSeries) Get(key string) *Series {
	for _, s := range m {
		if s.Key == key {
			return s
		}
	}
	return nil
}

func (m MetricSeries) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// StatsReport is the chart-ready shape of a category stats response.
type StatsReport struct {
	Dates   []string     `json:"dates"`
	Metrics MetricSeries `json:"metrics"`
}

// EmptyStats returns a report with no dates and no metrics.
func EmptyStats() *StatsReport {
	return &StatsReport{Dates: []string{}, Metrics: MetricSeries{}}
}

var labelCaser = cases.Title(language.English, cases.NoLower)

// MetricLabel turns a metric key into its display label:
// "unique_opens" becomes "Unique Opens".
func MetricLabel(key string) string {
	return labelCaser.String(strings.ReplaceAll(key, "_", " "))
}

// Reshape converts per-date stats into one series per metric. Only the
// first stats block of each date is read. Values are appended as they are
// seen, so a metric missing on some dates has fewer values than there are
// dates.
func Reshape(entries []sendgrid.StatsEntry) *StatsReport {
	report := EmptyStats()
	for _, entry := range entries {
		report.Dates = append(report.Dates, entry.Date)
		if len(entry.Stats) == 0 {
			continue
		}
		for _, metric := range entry.Stats[0].Metrics {
			series := report.Metrics.Get(metric.Name)
			if series == nil {
				series = &Series{Key: metric.Name, Label: MetricLabel(metric.Name), Values: []int64{}}
				report.Metrics = append(report.Metrics, series)
			}
			series.Values = append(series.Values, metric.Value)
		}
	}
	return report
}

// Statistics fetches and reshapes the stats of category between start and
// end (YYYY-MM-DD, inclusive). Upstream failures degrade to an empty report.
func (s *Service) Statistics(ctx context.Context, category, start, end string) *StatsReport {
	key, err := s.apiKey(ctx)
	if err != nil || key == "" {
		return EmptyStats()
	}

	entries, err := s.sg.CategoryStats(ctx, key, category, start, end)
	if err != nil {
		s.log.Warn("category stats unavailable",
			"category", category,
			"start", start,
			"end", end,
			"error", err,
		)
		return EmptyStats()
	}
	return Reshape(entries)
}
