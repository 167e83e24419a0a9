package signer

import (
	"path/filepath"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	s := Generate()
	msg := []byte("approved transaction")
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	assert.True(t, s.Verify(msg, sig, s.PublicKey()))
	assert.False(t, s.Verify([]byte("other"), sig, s.PublicKey()))
	assert.False(t, s.Verify(msg, sig, Generate().PublicKey()))
	assert.False(t, s.Verify(msg, sig, []byte("short")))
	assert.False(t, s.Verify(msg, nil, s.PublicKey()))
}

func TestLoadOrGeneratePersistsKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "priv_validator_key.json")
	stateFile := filepath.Join(dir, "priv_validator_state.json")

	first, err := LoadOrGenerate(keyFile, stateFile, cmtlog.NewNopLogger())
	require.NoError(t, err)
	second, err := LoadOrGenerate(keyFile, stateFile, cmtlog.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}
