package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SeriesPoint is one observed sample.
type SeriesPoint struct {
	ElapsedSeconds float64     // seconds since the session's start time
	Price          PriceSample // sample, possibly PriceUnavailable
}

// TimeSeries maps elapsed seconds to price samples, preserving insertion order.
// The zero value is an empty series ready to use.
type TimeSeries struct {
	points []SeriesPoint
	index  map[float64]int
}

// NewTimeSeries creates a series seeded with the initial sample at 0.0.
func NewTimeSeries(initial PriceSample) TimeSeries {
	var ts TimeSeries
	ts.Set(0, initial)
	return ts
}

// Set records a sample. Re-setting an existing key replaces the value in place.
func (ts *TimeSeries) Set(elapsedSeconds float64, price PriceSample) {
	if ts.index == nil {
		ts.index = make(map[float64]int)
	}
	if i, ok := ts.index[elapsedSeconds]; ok {
		ts.points[i].Price = price
		return
	}
	ts.index[elapsedSeconds] = len(ts.points)
	ts.points = append(ts.points, SeriesPoint{ElapsedSeconds: elapsedSeconds, Price: price})
}

// Get returns the sample recorded at the given elapsed time.
func (ts TimeSeries) Get(elapsedSeconds float64) (PriceSample, bool) {
	i, ok := ts.index[elapsedSeconds]
	if !ok {
		return 0, false
	}
	return ts.points[i].Price, true
}

// Len returns the number of samples.
func (ts TimeSeries) Len() int {
	return len(ts.points)
}

// Last returns the most recently inserted sample.
func (ts TimeSeries) Last() (SeriesPoint, bool) {
	if len(ts.points) == 0 {
		return SeriesPoint{}, false
	}
	return ts.points[len(ts.points)-1], true
}

// Points returns a copy of the samples in insertion order.
func (ts TimeSeries) Points() []SeriesPoint {
	out := make([]SeriesPoint, len(ts.points))
	copy(out, ts.points)
	return out
}

// Clone returns an independent copy.
func (ts TimeSeries) Clone() TimeSeries {
	var c TimeSeries
	for _, p := range ts.points {
		c.Set(p.ElapsedSeconds, p.Price)
	}
	return c
}

// MarshalJSON encodes the series as an object keyed by elapsed seconds, in insertion order.
func (ts TimeSeries) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ts.points {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(formatSeconds(p.ElapsedSeconds))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(formatSeconds(float64(p.Price)))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keyed by elapsed seconds, keeping document order.
func (ts *TimeSeries) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("timeseries: expected object, got %v", tok)
	}

	var out TimeSeries
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("timeseries: expected key, got %v", tok)
		}
		elapsed, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return fmt.Errorf("timeseries: key %q: %w", key, err)
		}

		tok, err = dec.Token()
		if err != nil {
			return err
		}
		num, ok := tok.(json.Number)
		if !ok {
			return fmt.Errorf("timeseries: value for %q is not a number", key)
		}
		price, err := num.Float64()
		if err != nil {
			return fmt.Errorf("timeseries: value for %q: %w", key, err)
		}
		out.Set(elapsed, PriceSample(price))
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	*ts = out
	return nil
}

// formatSeconds renders a float the way the result document has always stored it:
// integral values keep a trailing ".0".
func formatSeconds(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
