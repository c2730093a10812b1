package measurement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Measurement is one immutable timestamped value of a sensor.
type Measurement struct {
	ID        string    `json:"_id"`
	SensorID  string    `json:"sensor_id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sample is one incoming value before validation.
type Sample struct {
	SensorID string `json:"sensor"`
	Value    Value  `json:"value"`
	// CreatedAt is the raw timestamp; empty means ingestion time.
	CreatedAt string `json:"createdAt,omitempty"`
}

// Value is a raw measurement value. It decodes from a JSON number or a
// JSON string and keeps the textual form.
type Value string

// UnmarshalJSON accepts numbers and strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("measurement: empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
	case 'n':
		*v = ""
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("measurement: value must be a number or string")
		}
		*v = Value(n.String())
	}
	return nil
}

// Float returns the numeric value of m.
func (m Measurement) Float() (float64, error) {
	return strconv.ParseFloat(m.Value, 64)
}
