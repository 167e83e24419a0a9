package repository

import (
	"time"

	"gorm.io/gorm/clause"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository/models"
)

func blockToModel(b *ledger.Block, pohDigest string) models.Block {
	return models.Block{
		Index:                int64(b.Index),
		Timestamp:            b.Timestamp,
		Data:                 b.Data,
		PrevHash:             b.PrevHash,
		Hash:                 b.Hash,
		VerifiableCredential: b.VerifiableCredential,
		Signature:            b.Signature,
		PohDigest:            pohDigest,
	}
}

func blockFromModel(m *models.Block) *ledger.Block {
	return &ledger.Block{
		Index:                uint64(m.Index),
		Timestamp:            m.Timestamp,
		Data:                 m.Data,
		PrevHash:             m.PrevHash,
		Hash:                 m.Hash,
		VerifiableCredential: m.VerifiableCredential,
		Signature:            m.Signature,
	}
}

// StoredBlock pairs a block with its forwarding state and the PoH digest
// recorded when it was committed.
type StoredBlock struct {
	Block     *ledger.Block
	PohDigest string
	Forwarded bool
}

// SaveBlock persists a committed block. Saving the same index twice is a
// no-op.
func (r *Repository) SaveBlock(b *ledger.Block, pohDigest string) error {
	row := blockToModel(b, pohDigest)
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return wrapDBError(err, "saving block")
}

// LoadBlocks returns the persisted chain in index order.
func (r *Repository) LoadBlocks() ([]StoredBlock, error) {
	var rows []models.Block
	if err := r.db.Order("block_index").Find(&rows).Error; err != nil {
		return nil, wrapDBError(err, "loading blocks")
	}
	out := make([]StoredBlock, len(rows))
	for i := range rows {
		out[i] = StoredBlock{Block: blockFromModel(&rows[i]), PohDigest: rows[i].PohDigest, Forwarded: rows[i].Forwarded}
	}
	return out, nil
}

func (r *Repository) MarkBlockForwarded(index uint64) error {
	err := r.db.Model(&models.Block{}).
		Where("block_index = ?", int64(index)).
		Update("forwarded", true).Error
	return wrapDBError(err, "marking block forwarded")
}

// SaveAnchor stores a block received from a lower tier. A hash already
// anchored is ignored and reported with inserted false.
func (r *Repository) SaveAnchor(origin string, b *ledger.Block) (inserted bool, err error) {
	row := models.AnchoredBlock{
		Hash:                 b.Hash,
		Origin:               origin,
		Index:                int64(b.Index),
		Timestamp:            b.Timestamp,
		Data:                 b.Data,
		PrevHash:             b.PrevHash,
		VerifiableCredential: b.VerifiableCredential,
		Signature:            b.Signature,
	}
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, wrapDBError(res.Error, "saving anchored block")
	}
	return res.RowsAffected > 0, nil
}

// Anchor is a block received from a lower tier.
type Anchor struct {
	Origin     string        `json:"origin"`
	Block      *ledger.Block `json:"block"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Anchors lists the most recent anchored blocks, newest first.
func (r *Repository) Anchors(limit int) ([]Anchor, error) {
	var rows []models.AnchoredBlock
	q := r.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapDBError(err, "listing anchored blocks")
	}
	out := make([]Anchor, len(rows))
	for i, row := range rows {
		out[i] = Anchor{
			Origin: row.Origin,
			Block: &ledger.Block{
				Index:                uint64(row.Index),
				Timestamp:            row.Timestamp,
				Data:                 row.Data,
				PrevHash:             row.PrevHash,
				Hash:                 row.Hash,
				VerifiableCredential: row.VerifiableCredential,
				Signature:            row.Signature,
			},
			ReceivedAt: row.ReceivedAt.UTC(),
		}
	}
	return out, nil
}
