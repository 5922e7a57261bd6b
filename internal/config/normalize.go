package config

import (
	"regexp"
	"strings"
)

const (
	DefaultCommand = "bridge"
	DefaultNick    = "Telegram Bridge"
)

var (
	validCommandRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
	invalidChars   = regexp.MustCompile(`[^a-z0-9_]+`)
)

// NormalizeCommand converts a configured command name into one Telegram accepts:
//   - Leading slash stripped, lowercased, max 32 chars
//   - Only [a-z0-9_] allowed, invalid runs replaced with "_"
//   - Empty result defaults to "bridge"
func NormalizeCommand(name string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(name), "/")
	if trimmed == "" {
		return DefaultCommand
	}

	lower := strings.ToLower(trimmed)
	if validCommandRe.MatchString(lower) {
		return lower
	}

	result := strings.Trim(invalidChars.ReplaceAllString(lower, "_"), "_")
	if len(result) > 32 {
		result = result[:32]
	}
	if result == "" {
		return DefaultCommand
	}
	return result
}
