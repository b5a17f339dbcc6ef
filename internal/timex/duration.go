// Package timex adds JSON support to time.Duration, accepting either a
// Go-syntax string ("3s", "1m30s") or a raw integer number of nanoseconds.
package timex

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration wraps time.Duration so config JSON files can write either
// "online_check_interval": "3s" or "online_check_interval": 3000000000.
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration in its Go string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON accepts a string ("3s") or a JSON number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}

	var asNumber float64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		d.Duration = time.Duration(asNumber)
		return nil
	}

	return errors.New("timex: duration must be a string or a number")
}
