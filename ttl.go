package netrepeater

import (
	"fmt"
	"time"
)

// TTL is a cache time-to-live given as a value and a unit. It mirrors the
// [value, unit] pairs used in configuration files.
type TTL struct {
	Value int64
	Unit  string
}

var ttlUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// Duration normalizes the TTL to a duration. Zero and negative values as
// well as unknown units are rejected.
func (t TTL) Duration() (time.Duration, error) {
	unit, ok := ttlUnits[t.Unit]
	if !ok {
		return 0, fmt.Errorf("invalid TTL unit: %q", t.Unit)
	}
	if t.Value <= 0 {
		return 0, fmt.Errorf("invalid TTL value: %d", t.Value)
	}
	return time.Duration(t.Value) * unit, nil
}

// Seconds returns the normalized TTL in whole seconds.
func (t TTL) Seconds() (int64, error) {
	d, err := t.Duration()
	if err != nil {
		return 0, err
	}
	return int64(d / time.Second), nil
}

func (t TTL) String() string {
	return fmt.Sprintf("%d%s", t.Value, t.Unit)
}
