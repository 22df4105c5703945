// Package dedup is the single arbiter of "have we seen this punch already".
// Both the poll and push ingestion paths consult it before reconciliation.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key derives the stable dedup key for one physical punch. The same punch
// observed via polling and via push must produce the same key, across
// process restarts, so the derivation is an explicit content hash over the
// four canonical fields rather than any in-process hash.
func Key(deviceID, deviceUserID string, ts time.Time, status string) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{'|'})
	h.Write([]byte(deviceUserID))
	h.Write([]byte{'|'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339)))
	h.Write([]byte{'|'})
	h.Write([]byte(status))
	return hex.EncodeToString(h.Sum(nil))
}
