package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisPrevHash is the prev_hash of the block at index 0.
const GenesisPrevHash = "genesis"

// Block is an ordered batch of transactions linked to its predecessor.
// Data holds the JSON array of transactions as text so the hashed bytes
// survive any re-encoding of the block.
type Block struct {
	Index                uint64 `json:"index"`
	Timestamp            int64  `json:"timestamp"`
	Data                 string `json:"data"`
	PrevHash             string `json:"prev_hash"`
	Hash                 string `json:"hash"`
	VerifiableCredential string `json:"verifiable_credential,omitempty"`
	Signature            []byte `json:"signature,omitempty"`
}

// NewBlock serializes txs and seals the block with its hash.
func NewBlock(index uint64, ts time.Time, txs []Transaction, prevHash string) (*Block, error) {
	data, err := json.Marshal(txs)
	if err != nil {
		return nil, fmt.Errorf("encoding block data: %w", err)
	}
	b := &Block{
		Index:     index,
		Timestamp: ts.UnixNano(),
		Data:      string(data),
		PrevHash:  prevHash,
	}
	b.Hash = b.ComputeHash()
	return b, nil
}

// ComputeHash is sha256 over index, timestamp, data and prev_hash. Variable
// length fields are length-prefixed so no two field tuples share an encoding.
func (b *Block) ComputeHash() string {
	h := sha256.New()
	h.Write(int64ToBytes(int64(b.Index)))
	h.Write(int64ToBytes(b.Timestamp))
	h.Write(lengthPrefixed([]byte(b.Data)))
	h.Write(lengthPrefixed([]byte(b.PrevHash)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the hash.
func (b *Block) Verify() error {
	if got := b.ComputeHash(); got != b.Hash {
		return fmt.Errorf("%w: block %d stored %s computed %s", ErrHashMismatch, b.Index, b.Hash, got)
	}
	return nil
}

// SigningBytes is what a representative signs to approve the block.
func (b *Block) SigningBytes() []byte {
	return []byte(b.Hash)
}

// Transactions decodes the batch carried in Data.
func (b *Block) Transactions() ([]Transaction, error) {
	var txs []Transaction
	if err := json.Unmarshal([]byte(b.Data), &txs); err != nil {
		return nil, fmt.Errorf("decoding block %d data: %w", b.Index, err)
	}
	return txs, nil
}

// TransactionIDs lists the ids carried in the block, or nil if Data is
// malformed.
func (b *Block) TransactionIDs() []string {
	txs, err := b.Transactions()
	if err != nil {
		return nil
	}
	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	return ids
}

// int64ToBytes converts an int64 to big-endian bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 0, 8+len(b))
	out = append(out, int64ToBytes(int64(len(b)))...)
	return append(out, b...)
}
