package ack

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN parses PostgreSQL's "H/L" hex-pair LSN format into a single
// 64-bit unsigned integer: upper<<32 | lower (spec.md §4.1).
func ParseLSN(s string) (uint64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("ack: malformed LSN %q", s)
	}
	upper, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("ack: malformed LSN upper word %q: %w", s, err)
	}
	lower, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("ack: malformed LSN lower word %q: %w", s, err)
	}
	return upper<<32 | lower, nil
}

// FormatLSN renders a 64-bit LSN back into PostgreSQL's "H/L" hex form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}
