package shared

import (
	"strings"
	"time"
)

// StringSetting reads a trimmed string value from free-form source settings.
func StringSetting(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// BoolSetting reads a boolean value from free-form source settings.
func BoolSetting(cfg map[string]any, key string) (bool, bool) {
	v, ok := cfg[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// DurationSetting reads a duration from free-form source settings. Strings
// use time.ParseDuration syntax; bare numbers count seconds.
func DurationSetting(cfg map[string]any, key string) (time.Duration, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(value) * time.Second, true
	case float64:
		return time.Duration(value * float64(time.Second)), true
	default:
		return 0, false
	}
}
