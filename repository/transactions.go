package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository/models"
)

func toModel(tx *ledger.Transaction) models.Transaction {
	m := models.Transaction{
		ID:                   tx.ID,
		Sender:               tx.Sender,
		Receiver:             tx.Receiver,
		Amount:               tx.Amount,
		SenderMunicipality:   tx.SenderMunicipality,
		ReceiverMunicipality: tx.ReceiverMunicipality,
		SenderContinent:      tx.SenderContinent,
		ReceiverContinent:    tx.ReceiverContinent,
		TransactionType:      string(tx.Type),
		Status:               string(tx.Status),
		Signature:            tx.Signature,
		ApprovedBy:           tx.ApprovedBy,
		ApproverKey:          tx.ApproverKey,
		ProofOfPlace:         tx.ProofOfPlace,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}
	if tx.Location != nil {
		lat, lon := tx.Location.Latitude, tx.Location.Longitude
		m.Latitude, m.Longitude = &lat, &lon
	}
	return m
}

func fromModel(m *models.Transaction) ledger.Transaction {
	tx := ledger.Transaction{
		ID:                   m.ID,
		Sender:               m.Sender,
		Receiver:             m.Receiver,
		Amount:               m.Amount,
		SenderMunicipality:   m.SenderMunicipality,
		ReceiverMunicipality: m.ReceiverMunicipality,
		SenderContinent:      m.SenderContinent,
		ReceiverContinent:    m.ReceiverContinent,
		Type:                 ledger.TxType(m.TransactionType),
		Status:               ledger.Status(m.Status),
		Signature:            m.Signature,
		ApprovedBy:           m.ApprovedBy,
		ApproverKey:          m.ApproverKey,
		ProofOfPlace:         m.ProofOfPlace,
		CreatedAt:            m.CreatedAt.UTC(),
		UpdatedAt:            m.UpdatedAt.UTC(),
	}
	if m.Latitude != nil && m.Longitude != nil {
		tx.Location = &ledger.Location{Latitude: *m.Latitude, Longitude: *m.Longitude}
	}
	return tx
}

// StoredTransaction is an operational row plus its pipeline bookkeeping.
type StoredTransaction struct {
	ledger.Transaction
	BlockIndex *int64
	Forwarded  bool
}

// InsertTransaction stores tx unless its id already exists. inserted is false
// for a duplicate, which is not an error.
func (r *Repository) InsertTransaction(tx *ledger.Transaction) (inserted bool, err error) {
	row := toModel(tx)
	res := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, wrapDBError(res.Error, "inserting transaction")
	}
	return res.RowsAffected > 0, nil
}

// GetTransaction looks in the operational store, then in analytics.
func (r *Repository) GetTransaction(id string) (*ledger.Transaction, error) {
	var row models.Transaction
	err := r.db.Where("transaction_id = ?", id).First(&row).Error
	if err == nil {
		tx := fromModel(&row)
		return &tx, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrapDBError(err, "reading transaction")
	}

	var archived models.AnalyticsTransaction
	err = r.analytics.Where("transaction_id = ?", id).First(&archived).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "ENTITY_NOT_FOUND",
				Message: "Transaction does not exist",
				Detail:  fmt.Sprintf("Transaction with id %s does not exist", id),
			}
		}
		return nil, wrapDBError(err, "reading archived transaction")
	}
	tx := fromModel(&archived.Transaction)
	return &tx, nil
}

// UpdateStatus moves id from one status to another only if it still holds
// from. A row can only be rejected while it is unapproved and unbatched. A
// lost race or a refused rejection surfaces as a CONFLICT error.
func (r *Repository) UpdateStatus(id string, from, to ledger.Status) error {
	q := r.db.Model(&models.Transaction{}).
		Where("transaction_id = ? AND status = ?", id, string(from))
	if to == ledger.StatusRejected {
		q = q.Where("block_index IS NULL AND (approved_by IS NULL OR approved_by = '')")
	}
	res := q.Updates(map[string]interface{}{"status": string(to), "updated_at": r.now()})
	if res.Error != nil {
		return wrapDBError(res.Error, "updating transaction status")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.Model(&models.Transaction{}).Where("transaction_id = ?", id).Count(&count).Error; err != nil {
		return wrapDBError(err, "reading transaction")
	}
	if count == 0 {
		return &RepositoryError{
			Code:    "ENTITY_NOT_FOUND",
			Message: "Transaction does not exist",
			Detail:  fmt.Sprintf("Transaction with id %s does not exist", id),
		}
	}
	detail := fmt.Sprintf("transaction %s is no longer %s", id, from)
	if to == ledger.StatusRejected {
		detail = fmt.Sprintf("transaction %s is no longer %s, or is approved or batched", id, from)
	}
	return &RepositoryError{
		Code:    "CONFLICT",
		Message: "Transaction status changed concurrently",
		Detail:  detail,
	}
}

// SaveApproval records the representative signature on an existing row.
func (r *Repository) SaveApproval(tx *ledger.Transaction) error {
	err := r.db.Model(&models.Transaction{}).
		Where("transaction_id = ?", tx.ID).
		Updates(map[string]interface{}{
			"signature":    tx.Signature,
			"approved_by":  tx.ApprovedBy,
			"approver_key": tx.ApproverKey,
		}).Error
	return wrapDBError(err, "saving approval")
}

// MarkForwarded records that the upstream tier acknowledged id.
func (r *Repository) MarkForwarded(id string) error {
	err := r.db.Model(&models.Transaction{}).
		Where("transaction_id = ?", id).
		Update("forwarded", true).Error
	return wrapDBError(err, "marking transaction forwarded")
}

// MarkIncluded records the block that carries ids.
func (r *Repository) MarkIncluded(ids []string, index uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.Model(&models.Transaction{}).
		Where("transaction_id IN ?", ids).
		Update("block_index", int64(index)).Error
	return wrapDBError(err, "marking transactions included")
}

// UnbatchedTransactions returns live rows not yet carried by any block, in
// creation order. Used to rebuild the pending set after a restart. Shared
// rows wait here for their block before they are archived.
func (r *Repository) UnbatchedTransactions() ([]StoredTransaction, error) {
	var rows []models.Transaction
	err := r.db.
		Where("block_index IS NULL AND status NOT IN ?", []string{
			string(ledger.StatusRejected), string(ledger.StatusExpired),
		}).
		Order("created_at, transaction_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDBError(err, "listing unbatched transactions")
	}
	out := make([]StoredTransaction, len(rows))
	for i := range rows {
		out[i] = StoredTransaction{Transaction: fromModel(&rows[i]), BlockIndex: rows[i].BlockIndex, Forwarded: rows[i].Forwarded}
	}
	return out, nil
}

// UnforwardedTransactions returns approved live rows the upstream tier has
// not acknowledged, batched or not, in creation order.
func (r *Repository) UnforwardedTransactions() ([]StoredTransaction, error) {
	var rows []models.Transaction
	err := r.db.
		Where("forwarded = ? AND approved_by <> '' AND status NOT IN ?", false, []string{
			string(ledger.StatusRejected), string(ledger.StatusExpired),
		}).
		Order("created_at, transaction_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDBError(err, "listing unforwarded transactions")
	}
	out := make([]StoredTransaction, len(rows))
	for i := range rows {
		out[i] = StoredTransaction{Transaction: fromModel(&rows[i]), BlockIndex: rows[i].BlockIndex, Forwarded: rows[i].Forwarded}
	}
	return out, nil
}

// DeleteExpired removes unbatched pending rows created before cutoff and
// returns their ids. Rows listed in skip are kept.
func (r *Repository) DeleteExpired(cutoff time.Time, skip ...string) ([]string, error) {
	statuses := []string{string(ledger.StatusSendPending), string(ledger.StatusReceivePending)}

	var candidates []string
	err := r.db.Model(&models.Transaction{}).
		Where("status IN ? AND created_at < ? AND block_index IS NULL", statuses, cutoff.UTC()).
		Pluck("transaction_id", &candidates).Error
	if err != nil {
		return nil, wrapDBError(err, "listing expired transactions")
	}

	kept := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		kept[id] = struct{}{}
	}
	ids := candidates[:0]
	for _, id := range candidates {
		if _, ok := kept[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = r.db.Where("transaction_id IN ? AND status IN ? AND block_index IS NULL", ids, statuses).
		Delete(&models.Transaction{}).Error
	if err != nil {
		return nil, wrapDBError(err, "deleting expired transactions")
	}
	return ids, nil
}

// ArchiveShared moves a shared row to the analytics store. The row is first
// marked shared in place, so a crash between the insert and the delete
// leaves a shared row that ReconcileShared picks up; the insert ignores a
// copy already present.
func (r *Repository) ArchiveShared(id string) error {
	var row models.Transaction
	err := r.db.Where("transaction_id = ? AND status = ?", id, string(ledger.StatusShared)).First(&row).Error
	if err != nil {
		return wrapDBError(err, "reading shared transaction")
	}

	archived := models.AnalyticsTransaction{Transaction: row, SharedAt: r.now()}
	err = r.analytics.Clauses(clause.OnConflict{DoNothing: true}).Create(&archived).Error
	if err != nil {
		return wrapDBError(err, "inserting into analytics")
	}

	err = r.db.Where("transaction_id = ? AND status = ?", id, string(ledger.StatusShared)).
		Delete(&models.Transaction{}).Error
	if err != nil {
		return wrapDBError(err, "deleting archived transaction")
	}
	return nil
}

// ReconcileShared archives every shared row already carried by a block,
// finishing migrations interrupted after the status update or deferred until
// batching. It returns the number of rows moved.
func (r *Repository) ReconcileShared() (int, error) {
	var ids []string
	err := r.db.Model(&models.Transaction{}).
		Where("status = ? AND block_index IS NOT NULL", string(ledger.StatusShared)).
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return 0, wrapDBError(err, "listing shared transactions")
	}
	moved := 0
	for _, id := range ids {
		if err := r.ArchiveShared(id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// CountAnalytics is the number of archived transactions.
func (r *Repository) CountAnalytics() (int64, error) {
	var n int64
	err := r.analytics.Model(&models.AnalyticsTransaction{}).Count(&n).Error
	return n, wrapDBError(err, "counting analytics")
}
