// Package toml adds TOML marshaling wrappers for types the config
// format does not handle natively.
package toml

import (
	"time"

	"github.com/meridiandb/meridian/errors"
)

// Duration is a TOML wrapper type for time.Duration. It marshals as a
// duration string ("90s", "10m") rather than nanoseconds.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// MarshalTOML writes duration into valid TOML.
func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalTOML accepts the representations a TOML decoder may hand us:
// a duration string, or a bare integer taken as nanoseconds.
func (d *Duration) UnmarshalTOML(v interface{}) error {
	switch value := v.(type) {
	case string:
		return d.UnmarshalText([]byte(value))
	case int64:
		*d = Duration(value)
		return nil
	default:
		return errors.Errorf("cannot unmarshal %T into Duration", v)
	}
}
