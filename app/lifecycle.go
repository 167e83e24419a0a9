package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/poh"
)

// SubmitResult reports what happened to a submitted transaction.
type SubmitResult struct {
	Transaction   ledger.Transaction
	Duplicate     bool
	Approved      bool
	ApprovalErr   error
	Forwarded     bool
	ForwardedTo   string
	ForwardErr    error
	PohDigest     string
	PendingCount  int
	MunicipalNode string // municipal node serving the transfer, if routed
}

// Submit validates tx, stores it in the pending set, has the sender's
// representative approve it and forwards it one tier up. Approval and
// forwarding failures leave the transaction pending for the relay to retry;
// they are reported in the result, not as an error.
func (app *Application) Submit(ctx context.Context, tx ledger.Transaction) (*SubmitResult, error) {
	if err := tx.Validate(); err != nil {
		app.metrics.Rejected("validation")
		return nil, err
	}

	now := app.now().UTC().Truncate(time.Microsecond)
	clientID := tx.ID != ""
	if !clientID {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.CreatedAt = tx.CreatedAt.UTC().Truncate(time.Microsecond)
	tx.UpdatedAt = now
	tx.Status = ledger.InitialStatus(tx.Type)
	tx.ClearApproval()
	if tx.Location != nil && tx.ProofOfPlace == "" {
		tx.ProofOfPlace = ledger.ProofOfPlace(*tx.Location, tx.CreatedAt)
	}
	if err := tx.CheckPlace(); err != nil {
		app.metrics.Rejected("validation")
		return nil, err
	}

	if existing, ok := app.duplicateOf(tx.ID); ok {
		app.metrics.Duplicate()
		return &SubmitResult{Transaction: *existing, Duplicate: true}, nil
	}
	if clientID {
		// Batched and archived transactions are no longer pending but still
		// known.
		if existing, err := app.repository.GetTransaction(tx.ID); err == nil {
			app.metrics.Duplicate()
			return &SubmitResult{Transaction: *existing, Duplicate: true}, nil
		}
	}

	endpoint, hasUpstream, err := app.router.ResolveUpstream(tx.SenderContinent)
	if err != nil {
		app.metrics.Rejected("unknown_destination")
		return nil, err
	}

	inserted, err := app.repository.InsertTransaction(&tx)
	if err != nil {
		app.metrics.Rejected("persistence")
		return nil, err
	}
	if !inserted {
		existing, err := app.repository.GetTransaction(tx.ID)
		if err != nil {
			return nil, err
		}
		app.metrics.Duplicate()
		return &SubmitResult{Transaction: *existing, Duplicate: true}, nil
	}
	app.addPending(tx)
	app.metrics.Submitted()

	if err := app.evaluations.Observe(&tx); err != nil {
		app.logger.Error("Failed to record evaluation", "transaction_id", tx.ID, "err", err)
	}

	result := &SubmitResult{}
	result.Approved, result.ApprovalErr = app.approve(&tx)
	result.PohDigest = app.record(&tx)
	if node, err := app.router.ResolveMunicipal(tx.SenderMunicipality, tx.ReceiverMunicipality); err == nil {
		result.MunicipalNode = node
	}

	if result.Approved {
		if hasUpstream {
			result.ForwardedTo = endpoint
			result.ForwardErr = app.forward(ctx, endpoint, &tx)
			result.Forwarded = result.ForwardErr == nil
		} else {
			app.acknowledge(&tx)
			result.Forwarded = true
		}
	}

	_, approved := app.PendingCount()
	if approved >= app.config.BatchThreshold {
		app.signalAssembly()
	}

	result.Transaction = tx
	result.PendingCount, _ = app.PendingCount()
	app.logger.Info("Transaction submitted",
		"transaction_id", tx.ID,
		"status", tx.Status,
		"approved", result.Approved,
		"forwarded", result.Forwarded)
	return result, nil
}

func (app *Application) duplicateOf(id string) (*ledger.Transaction, bool) {
	app.pendingMu.RLock()
	defer app.pendingMu.RUnlock()
	if e, ok := app.pending[id]; ok {
		tx := e.tx
		return &tx, true
	}
	return nil, false
}

func (app *Application) addPending(tx ledger.Transaction) bool {
	app.pendingMu.Lock()
	_, exists := app.pending[tx.ID]
	if !exists {
		app.pending[tx.ID] = &pendingEntry{tx: tx}
	}
	n := len(app.pending)
	app.pendingMu.Unlock()
	app.metrics.Pending(n)
	return !exists
}

// record appends tx to the PoH log and stores the entry at its position.
// It returns the entry.
func (app *Application) record(tx *ledger.Transaction) string {
	entry, seq := app.poh.Record(poh.EventFor(tx))
	if err := app.repository.SavePohEntry(seq, entry); err != nil {
		app.logger.Error("Failed to store PoH entry", "seq", seq, "err", err)
	}
	return entry
}

// ProofOfPlace binds loc to the current instant. The instant is returned
// at the precision transactions are stored with.
func (app *Application) ProofOfPlace(loc ledger.Location) (string, time.Time, error) {
	if err := loc.Validate(); err != nil {
		return "", time.Time{}, err
	}
	at := app.now().UTC().Truncate(time.Microsecond)
	return ledger.ProofOfPlace(loc, at), at, nil
}

// approve asks the approver to sign tx and records the signature.
func (app *Application) approve(tx *ledger.Transaction) (bool, error) {
	d := app.approver.Approve(tx)
	if !d.Approved {
		tx.ClearApproval()
		app.logger.Info("Transaction awaiting approval", "transaction_id", tx.ID, "reason", d.Reason)
		return false, d.Reason
	}
	if err := app.repository.SaveApproval(tx); err != nil {
		app.logger.Error("Failed to save approval", "transaction_id", tx.ID, "err", err)
	}
	signed := *tx
	app.updatePending(tx.ID, func(e *pendingEntry) {
		e.tx.ApprovedBy = signed.ApprovedBy
		e.tx.Signature = signed.Signature
		e.tx.ApproverKey = signed.ApproverKey
	})
	return true, nil
}

// forward sends tx upstream within the configured timeout and acknowledges
// it on success.
func (app *Application) forward(ctx context.Context, endpoint string, tx *ledger.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, app.config.ForwardTimeout)
	defer cancel()
	if err := app.forwarder.ForwardTransaction(ctx, endpoint, tx); err != nil {
		app.metrics.ForwardFailed("transaction")
		app.logger.Error("Failed to forward transaction", "transaction_id", tx.ID, "endpoint", endpoint, "err", err)
		return err
	}
	app.acknowledge(tx)
	return nil
}

// acknowledge advances tx to its post-acknowledgement status and marks it
// forwarded in storage.
func (app *Application) acknowledge(tx *ledger.Transaction) {
	if next, ok := ledger.AckStatus(tx.Status); ok {
		if err := app.repository.UpdateStatus(tx.ID, tx.Status, next); err != nil {
			app.logger.Error("Failed to acknowledge transaction", "transaction_id", tx.ID, "err", err)
		} else {
			tx.Status = next
			tx.UpdatedAt = app.now().UTC()
		}
	}
	if err := app.repository.MarkForwarded(tx.ID); err != nil {
		app.logger.Error("Failed to mark transaction forwarded", "transaction_id", tx.ID, "err", err)
	}
	status, updated := tx.Status, tx.UpdatedAt
	app.updatePending(tx.ID, func(e *pendingEntry) {
		e.tx.Status = status
		e.tx.UpdatedAt = updated
	})
}

// UpdateStatus moves a transaction along the lifecycle. Rejected and expired
// transactions leave the pending set. A shared transaction is archived once
// a block carries it.
func (app *Application) UpdateStatus(id string, to ledger.Status) (*ledger.Transaction, error) {
	tx, err := app.Transaction(id)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckTransition(tx.Status, to); err != nil {
		return nil, err
	}
	// A signed transaction may already be upstream or in a block.
	if to == ledger.StatusRejected && (tx.Approved() || !app.isPending(id)) {
		return nil, fmt.Errorf("%w: %s is approved or batched", ledger.ErrInvalidTransition, id)
	}
	if err := app.repository.UpdateStatus(id, tx.Status, to); err != nil {
		return nil, err
	}
	tx.Status = to
	tx.UpdatedAt = app.now().UTC()

	stillPending := app.updatePending(id, func(e *pendingEntry) {
		e.tx.Status = to
		e.tx.UpdatedAt = tx.UpdatedAt
	})

	switch to {
	case ledger.StatusRejected, ledger.StatusExpired:
		app.removePending(id)
	case ledger.StatusShared:
		if !stillPending {
			app.archive(id)
		}
	}
	app.logger.Info("Transaction status updated", "transaction_id", id, "status", to)
	return tx, nil
}

// Reject marks the transaction rejected. Only unapproved pending
// transactions allow it.
func (app *Application) Reject(id string) (*ledger.Transaction, error) {
	return app.UpdateStatus(id, ledger.StatusRejected)
}

func (app *Application) archive(id string) {
	if err := app.repository.ArchiveShared(id); err != nil {
		app.logger.Error("Failed to archive shared transaction", "transaction_id", id, "err", err)
		return
	}
	app.metrics.Archived()
}

// SweepExpired removes pending transactions older than the retention window
// from memory and storage, then finishes any interrupted analytics
// migration. It returns the number of expired transactions.
func (app *Application) SweepExpired(now time.Time) (int, error) {
	cutoff := now.UTC().Add(-app.config.Retention)

	// Holding seq keeps assembly from batching what is about to expire.
	app.seq.Lock()
	app.stateMu.Lock()
	skip := make([]string, 0, len(app.batching))
	for id := range app.batching {
		skip = append(skip, id)
	}
	app.stateMu.Unlock()
	var stale []string
	app.pendingMu.RLock()
	for id, e := range app.pending {
		if ledger.IsPending(e.tx.Status) && e.tx.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	app.pendingMu.RUnlock()
	removed := app.removePending(stale...)
	app.seq.Unlock()

	deleted, err := app.repository.DeleteExpired(cutoff, skip...)
	if err != nil {
		return 0, err
	}
	removed += app.removePending(deleted...)
	expired := max(removed, len(deleted))
	app.metrics.Expired(expired)

	moved, err := app.repository.ReconcileShared()
	for i := 0; i < moved; i++ {
		app.metrics.Archived()
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return expired, err
	}
	if expired > 0 || moved > 0 {
		app.logger.Info("Retention sweep", "expired", expired, "archived", moved, "cutoff", cutoff)
	}
	return expired, nil
}
