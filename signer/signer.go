// Package signer provides the opaque sign/verify capability used for
// representative approvals.
package signer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/privval"
)

// Signer signs with the node's key and verifies signatures from any key.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature, pubKey []byte) bool
	PublicKey() []byte
}

// Ed25519Signer is backed by a cometbft private key.
type Ed25519Signer struct {
	priv crypto.PrivKey
}

func NewEd25519Signer(priv crypto.PrivKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// Generate returns a signer with a fresh in-memory key.
func Generate() *Ed25519Signer {
	return NewEd25519Signer(ed25519.GenPrivKey())
}

// LoadOrGenerate reads a privval key file if one exists at keyFile. When
// keyFile is set but missing, a new key is generated and saved there. An
// empty keyFile yields an ephemeral key.
func LoadOrGenerate(keyFile, stateFile string, logger cmtlog.Logger) (*Ed25519Signer, error) {
	if keyFile == "" {
		logger.Info("Using ephemeral signing key")
		return Generate(), nil
	}

	if _, err := os.Stat(keyFile); err == nil {
		pv := privval.LoadFilePV(keyFile, stateFile)
		logger.Info("Loaded signing key", "file", keyFile, "address", pv.Key.Address)
		return NewEd25519Signer(pv.Key.PrivKey), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file %s: %w", keyFile, err)
	}

	for _, f := range []string{keyFile, stateFile} {
		if err := os.MkdirAll(filepath.Dir(f), 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
	}
	priv := ed25519.GenPrivKey()
	pv := privval.NewFilePV(priv, keyFile, stateFile)
	pv.Save()
	logger.Info("Generated signing key", "file", keyFile, "address", pv.Key.Address)
	return NewEd25519Signer(priv), nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	sig, err := s.priv.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

func (s *Ed25519Signer) Verify(data, signature, pubKey []byte) bool {
	if len(pubKey) != ed25519.PubKeySize || len(signature) == 0 {
		return false
	}
	return ed25519.PubKey(pubKey).VerifySignature(data, signature)
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.priv.PubKey().Bytes()
}
