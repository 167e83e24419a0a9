package poh

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citychain/ledger-node/ledger"
)

func hexSum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestRecordAndDigest(t *testing.T) {
	l := New()
	assert.Equal(t, hexSum(""), l.Digest())

	first, seq := l.Record("a")
	assert.Zero(t, seq)
	second, seq := l.Record("b")
	assert.Equal(t, 1, seq)
	assert.Equal(t, hexSum("a"), first)
	assert.Equal(t, hexSum("b"), second)
	assert.Equal(t, []string{first, second}, l.Entries())
	assert.Equal(t, hexSum(first+second), l.Digest())

	n, ok := VerifyDigest(l.Entries(), l.Digest())
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestVerifyDigestAcceptsPrefix(t *testing.T) {
	l := New()
	l.Record("a")
	atBlock := l.Digest()
	l.Record("b")
	l.Record("c")

	n, ok := VerifyDigest(l.Entries(), atBlock)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	n, ok = VerifyDigest(l.Entries(), New().Digest())
	assert.True(t, ok)
	assert.Zero(t, n)

	_, ok = VerifyDigest(l.Entries()[1:], atBlock)
	assert.False(t, ok)
}

func TestDigestDependsOnOrder(t *testing.T) {
	a, b := New(), New()
	a.Record("x")
	a.Record("y")
	b.Record("y")
	b.Record("x")
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestEventFor(t *testing.T) {
	tx := &ledger.Transaction{ID: "tx-1", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)}
	assert.Equal(t, "tx-12026-03-01T12:00:00.000000005Z", EventFor(tx))
}

func TestConcurrentRecord(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record("event")
		}()
	}
	wg.Wait()
	require.Equal(t, 50, l.Len())
}

func TestRestoreOnlySeedsEmptyLog(t *testing.T) {
	l := New()
	l.Restore([]string{"e1", "e2"})
	l.Restore([]string{"ignored"})
	assert.Equal(t, []string{"e1", "e2"}, l.Entries())

	_, seq := l.Record("next")
	assert.Equal(t, 2, seq)
}
