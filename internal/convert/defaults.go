package convert

import (
	"strconv"
	"time"
)

// RegisterDefaults installs the converters every host starts with: string
// identity, string <-> []byte and string to the common scalar types.
func RegisterDefaults(m *Manager) {
	AddConverter(m, func(s string) (string, error) { return s, nil })
	AddConverter(m, func(s string) ([]byte, error) { return []byte(s), nil })
	AddConverter(m, func(b []byte) (string, error) { return string(b), nil })
	AddConverter(m, func(s string) (int, error) { return strconv.Atoi(s) })
	AddConverter(m, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
	AddConverter(m, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
	AddConverter(m, func(s string) (bool, error) { return strconv.ParseBool(s) })
	AddConverter(m, func(s string) (time.Duration, error) { return time.ParseDuration(s) })
}
