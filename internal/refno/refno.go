// Package refno builds the human-readable daily reference numbers used for
// receipts (RCPT-20260129-0001) and stock-in batches (STK-20260129-0001).
package refno

import (
	"fmt"
	"time"
)

// DateKey encodes the calendar date of t as YYYYMMDD in t's location.
func DateKey(t time.Time) string {
	return t.Format("20060102")
}

// Build formats a reference number from a prefix, a date key and a daily
// sequence value. The sequence is zero-padded to four digits; values beyond
// 9999 widen rather than truncate.
func Build(prefix string, dateKey string, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, dateKey, seq)
}
