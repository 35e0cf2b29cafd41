package sendgrid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Metric is one named counter from a stats block.
type Metric struct {
	Name  string
	Value int64
}

// RawMetrics is a JSON object of counters decoded in document order.
type RawMetrics []Metric

func (m *RawMetrics) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metrics: expected object, got %v", tok)
	}

	out := RawMetrics{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("metrics: expected key, got %v", keyTok)
		}

		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("metrics: value of %q: %w", key, err)
		}
		value, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return fmt.Errorf("metrics: value of %q: %w", key, ferr)
			}
			value = int64(f)
		}
		out = append(out, Metric{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m RawMetrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, metric := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(metric.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(metric.Value, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
