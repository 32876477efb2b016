// Package utils holds small parsing helpers shared by the HTTP and service
// layers.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault returns def when s is empty or not a base-10 int.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageLimit parses a "limit" query value. Blank, malformed and non-positive
// values yield def; values above max are clamped to max.
//
//	utils.PageLimit("50", 20, 100)  // 50
//	utils.PageLimit("abc", 20, 100) // 20
//	utils.PageLimit("500", 20, 100) // 100
func PageLimit(raw string, def, max int) int {
	n := AtoiDefault(strings.TrimSpace(raw), def)
	if n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// OffsetCursor decodes an opaque list cursor into a row offset. Anything that
// is not a positive integer starts from the top.
func OffsetCursor(raw string) int {
	if n := AtoiDefault(strings.TrimSpace(raw), 0); n > 0 {
		return n
	}
	return 0
}

// NextOffsetCursor returns the cursor for the page after one that started at
// offset and returned n of total rows, or nil on the last page.
func NextOffsetCursor(offset, n, total int) *string {
	next := offset + n
	if n <= 0 || next >= total {
		return nil
	}
	s := strconv.Itoa(next)
	return &s
}
