package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/citychain/ledger-node/ledger"
)

// Archive is the append-only block archive. Blocks live under
// "block_{index}" and the proof-of-history digest at that block under
// "poh_{index}".
type Archive struct {
	db     *badger.DB
	logger cmtlog.Logger
}

// OpenArchive opens a badger store at dir, or an in-memory one.
func OpenArchive(dir string, inMemory bool, logger cmtlog.Logger) (*Archive, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &RepositoryError{Code: "ARCHIVE_ERROR", Message: "Opening archive", Detail: err.Error()}
	}
	return &Archive{db: db, logger: logger.With("module", "archive")}, nil
}

func blockKey(index uint64) []byte {
	return []byte(fmt.Sprintf("block_%d", index))
}

func pohKey(index uint64) []byte {
	return []byte(fmt.Sprintf("poh_%d", index))
}

// PutBlock archives b. Re-archiving the same block is a no-op; a different
// block under an existing index is refused.
func (a *Archive) PutBlock(b *ledger.Block, pohDigest string) error {
	value, err := json.Marshal(b)
	if err != nil {
		return &RepositoryError{Code: "ARCHIVE_ERROR", Message: "Encoding block", Detail: err.Error()}
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(b.Index))
		switch {
		case err == nil:
			var existing ledger.Block
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}
			if existing.Hash != b.Hash {
				return fmt.Errorf("block_%d already archived with hash %s", b.Index, existing.Hash)
			}
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.Set(blockKey(b.Index), value); err != nil {
			return err
		}
		return txn.Set(pohKey(b.Index), []byte(pohDigest))
	})
	if err != nil {
		return &RepositoryError{Code: "ARCHIVE_ERROR", Message: "Archiving block", Detail: err.Error()}
	}
	return nil
}

// GetBlock reads an archived block.
func (a *Archive) GetBlock(index uint64) (*ledger.Block, error) {
	var b ledger.Block
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(index))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &b) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &RepositoryError{Code: "ENTITY_NOT_FOUND", Message: "Block not archived", Detail: string(blockKey(index))}
	}
	if err != nil {
		return nil, &RepositoryError{Code: "ARCHIVE_ERROR", Message: "Reading archive", Detail: err.Error()}
	}
	return &b, nil
}

// PohDigest returns the digest recorded with block index.
func (a *Archive) PohDigest(index uint64) (string, error) {
	var digest []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pohKey(index))
		if err != nil {
			return err
		}
		digest, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", &RepositoryError{Code: "ENTITY_NOT_FOUND", Message: "Digest not archived", Detail: string(pohKey(index))}
	}
	if err != nil {
		return "", &RepositoryError{Code: "ARCHIVE_ERROR", Message: "Reading archive", Detail: err.Error()}
	}
	return string(digest), nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
