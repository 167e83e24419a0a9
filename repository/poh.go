package repository

import (
	"gorm.io/gorm/clause"

	"github.com/citychain/ledger-node/repository/models"
)

// SavePohEntry stores entry at position seq of the log. A position already
// stored is left as is.
func (r *Repository) SavePohEntry(seq int, entry string) error {
	row := models.PohEntry{Seq: int64(seq), Entry: entry}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return wrapDBError(err, "saving poh entry")
}

// PohEntries returns the stored log in position order. It stops at the
// first missing position.
func (r *Repository) PohEntries() ([]string, error) {
	var rows []models.PohEntry
	if err := r.db.Order("seq").Find(&rows).Error; err != nil {
		return nil, wrapDBError(err, "loading poh entries")
	}
	out := make([]string, 0, len(rows))
	for i, row := range rows {
		if row.Seq != int64(i) {
			r.logger.Error("PoH log has a gap", "missing", i, "next", row.Seq)
			break
		}
		out = append(out, row.Entry)
	}
	return out, nil
}
