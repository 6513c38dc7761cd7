// Package xid generates prefixed row identifiers. IDs sort by creation time
// within a process, which keeps insertion order recoverable from plain
// ORDER BY id queries.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

const entropyBytes = 10

func New(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)

	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; a timestamp-only
		// ID keeps inserts working long enough to notice.
		return prefix + "-" + ts
	}
	return prefix + "-" + ts + "-" + hex.EncodeToString(buf)
}
