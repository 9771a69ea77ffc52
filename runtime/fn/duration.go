package fn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that unmarshals from the two forms used in
// function definitions and invocation configs: a Go duration string such as
// "500ms" or "5s", or a bare number of milliseconds.
type Duration time.Duration

// ParseDurationValue converts a raw config value into a Duration. Strings go
// through time.ParseDuration, numeric values are treated as milliseconds.
func ParseDurationValue(v any) (Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, NewValidationError(fmt.Sprintf("invalid duration %q", t))
		}
		return Duration(d), nil
	case float64:
		return Duration(time.Duration(t) * time.Millisecond), nil
	case int:
		return Duration(time.Duration(t) * time.Millisecond), nil
	case int64:
		return Duration(time.Duration(t) * time.Millisecond), nil
	default:
		return 0, NewValidationError(fmt.Sprintf("invalid duration value %v", v))
	}
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Milliseconds returns the value in whole milliseconds.
func (d Duration) Milliseconds() int64 { return time.Duration(d).Milliseconds() }

// String formats the value with time.Duration semantics.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON emits the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "500ms"/"5s" strings and bare millisecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseDurationValue(s)
		if perr != nil {
			return perr
		}
		*d = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return NewValidationError(fmt.Sprintf("invalid duration %s", data))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON in YAML configs.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	parsed, err := ParseDurationValue(v)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
