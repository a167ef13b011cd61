package util

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseCommaSeparatedHosts parses a comma-separated string into a slice of trimmed host strings
func ParseCommaSeparatedHosts(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	hosts := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}

	return hosts
}

// ParseHostList is a ConfigVarSpec.ParseFunc accepting either a
// comma-separated string or a YAML list of hosts.
func ParseHostList(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return ParseCommaSeparatedHosts(v), nil
	case []string:
		return ParseCommaSeparatedHosts(strings.Join(v, ",")), nil
	case []any:
		hosts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("host list entry is not a string: %v", item)
			}
			hosts = append(hosts, ParseCommaSeparatedHosts(s)...)
		}
		return hosts, nil
	case nil:
		return []string{}, nil
	default:
		return nil, fmt.Errorf("unsupported host list type %T", value)
	}
}

// ParseLogLevel maps a log-level config value to a slog level.
// Unknown values fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
