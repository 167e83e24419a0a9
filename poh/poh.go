// Package poh keeps the proof-of-history witness: an append-only sequence of
// event hashes whose digest orders processed transactions independently of
// block linkage.
package poh

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	cmtsync "github.com/cometbft/cometbft/libs/sync"

	"github.com/citychain/ledger-node/ledger"
)

// Log is safe for concurrent use. Its lock is never held while another
// lock is acquired.
type Log struct {
	mu      cmtsync.Mutex
	entries []string
}

func New() *Log {
	return &Log{}
}

// EventFor is the event string recorded for a processed transaction.
func EventFor(tx *ledger.Transaction) string {
	return tx.ID + tx.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// Record appends hex(sha256(event)) and returns it with its position in
// the log.
func (l *Log) Record(event string) (entry string, seq int) {
	sum := sha256.Sum256([]byte(event))
	entry = hex.EncodeToString(sum[:])

	l.mu.Lock()
	seq = len(l.entries)
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry, seq
}

// Digest hashes the concatenation of all entries in insertion order.
func (l *Log) Digest() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return digest(l.entries)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the sequence.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Restore seeds an empty log with previously stored entries.
func (l *Log) Restore(entries []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		l.entries = append(l.entries, entries...)
	}
}

func digest(entries []string) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyDigest reports whether want is the digest of entries or of one of
// its prefixes. n is the length of the shortest matching prefix.
func VerifyDigest(entries []string, want string) (n int, ok bool) {
	h := sha256.New()
	for i := 0; ; i++ {
		if hex.EncodeToString(h.Sum(nil)) == want {
			return i, true
		}
		if i == len(entries) {
			return 0, false
		}
		h.Write([]byte(entries[i]))
	}
}
