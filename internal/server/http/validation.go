package http

import (
	"strconv"
	"strings"
)

// parseIntParam parses a query parameter with a fallback for empty or
// malformed values.
func parseIntParam(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return value
}

// normalizeOrder restricts the order parameter to asc/desc.
func normalizeOrder(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "asc") {
		return "asc"
	}
	return "desc"
}
