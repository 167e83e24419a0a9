package app

import (
	"context"
	"errors"
	"sort"

	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/repository"
)

// MergeTransactions adds peer transactions this node has never seen. Known
// ids are skipped, so merging the same batch twice changes nothing. It
// returns the number merged.
func (app *Application) MergeTransactions(txs []ledger.Transaction) int {
	merged := 0
	for i := range txs {
		if app.mergeTransaction(txs[i]) {
			merged++
		}
	}
	app.metrics.Merged("transactions", merged)
	if merged > 0 {
		app.logger.Debug("Merged peer transactions", "count", merged)
	}
	return merged
}

func (app *Application) mergeTransaction(tx ledger.Transaction) bool {
	if tx.ID == "" || tx.CreatedAt.IsZero() {
		return false
	}
	if err := tx.Validate(); err != nil {
		app.logger.Debug("Skipping invalid peer transaction", "transaction_id", tx.ID, "err", err)
		return false
	}
	if err := tx.CheckPlace(); err != nil {
		app.logger.Info("Skipping peer transaction with a bad proof of place", "transaction_id", tx.ID, "err", err)
		return false
	}
	// Peers only share where a transaction is in its own pipeline:
	// awaiting acknowledgement or acknowledged.
	if initial := ledger.InitialStatus(tx.Type); tx.Status != initial {
		tx.Status = ackedStatus(tx.Type)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	if app.isPending(tx.ID) {
		return false
	}
	if _, err := app.repository.GetTransaction(tx.ID); err == nil {
		return false
	}
	if tx.Approved() && !app.registry.VerifyApproval(&tx) {
		app.logger.Info("Discarding unverifiable approval", "transaction_id", tx.ID, "approved_by", tx.ApprovedBy)
		tx.ClearApproval()
	}

	inserted, err := app.repository.InsertTransaction(&tx)
	if err != nil {
		app.logger.Error("Failed to store peer transaction", "transaction_id", tx.ID, "err", err)
		return false
	}
	if !inserted {
		return false
	}
	// Already acknowledged upstream by the origin.
	forwarded := tx.Status != ledger.InitialStatus(tx.Type)
	if forwarded {
		if err := app.repository.MarkForwarded(tx.ID); err != nil {
			app.logger.Error("Failed to mark transaction forwarded", "transaction_id", tx.ID, "err", err)
		}
	}
	if !app.addPending(tx) {
		return false
	}
	if err := app.evaluations.Observe(&tx); err != nil {
		app.logger.Error("Failed to record evaluation", "transaction_id", tx.ID, "err", err)
	}
	app.record(&tx)
	return true
}

// ackedStatus is the acknowledged status of a transaction of type t.
func ackedStatus(t ledger.TxType) ledger.Status {
	s, _ := ledger.AckStatus(ledger.InitialStatus(t))
	return s
}

// AcceptForwarded stores transactions a lower tier forwarded here. They
// enter the pending set unforwarded and the relay carries them further up.
func (app *Application) AcceptForwarded(txs []ledger.Transaction) int {
	accepted := 0
	for i := range txs {
		tx := txs[i]
		if app.isPending(tx.ID) {
			continue
		}
		if _, err := app.repository.GetTransaction(tx.ID); err == nil {
			continue
		}
		if err := tx.Validate(); err != nil || tx.ID == "" {
			app.logger.Info("Refusing forwarded transaction", "transaction_id", tx.ID, "err", err)
			continue
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		if err := tx.CheckPlace(); err != nil {
			app.logger.Info("Refusing forwarded transaction", "transaction_id", tx.ID, "err", err)
			continue
		}
		tx.Status = ledger.InitialStatus(tx.Type)
		if tx.Approved() && !app.registry.VerifyApproval(&tx) {
			tx.ClearApproval()
		}
		inserted, err := app.repository.InsertTransaction(&tx)
		if err != nil {
			app.logger.Error("Failed to store forwarded transaction", "transaction_id", tx.ID, "err", err)
			continue
		}
		if !inserted || !app.addPending(tx) {
			continue
		}
		if err := app.evaluations.Observe(&tx); err != nil {
			app.logger.Error("Failed to record evaluation", "transaction_id", tx.ID, "err", err)
		}
		app.record(&tx)
		accepted++
	}
	if accepted > 0 {
		app.logger.Info("Accepted forwarded transactions", "count", accepted)
	}
	return accepted
}

// AcceptAnchors stores blocks forwarded by a lower tier. They are not part
// of this node's chain. Blocks whose hash does not verify are refused.
func (app *Application) AcceptAnchors(origin string, blocks []*ledger.Block) (int, error) {
	anchored := 0
	var errs []error
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if err := b.Verify(); err != nil {
			app.metrics.BlockRejected("anchor_hash")
			errs = append(errs, err)
			continue
		}
		inserted, err := app.repository.SaveAnchor(origin, b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inserted {
			anchored++
		}
	}
	if anchored > 0 {
		app.logger.Info("Anchored lower tier blocks", "origin", origin, "count", anchored)
	}
	return anchored, errors.Join(errs...)
}

// MergeBlocks appends peer blocks that extend the local chain. The local
// chain wins a fork: a block conflicting with it is logged and refused.
// Transactions carried by accepted blocks leave the pending set.
func (app *Application) MergeBlocks(blocks []*ledger.Block) int {
	sorted := make([]*ledger.Block, 0, len(blocks))
	for _, b := range blocks {
		if b != nil {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var accepted []*ledger.Block
	app.seq.Lock()
	for _, b := range sorted {
		if app.chain.Has(b.Hash) {
			continue
		}
		if err := app.chain.Append(b); err != nil {
			app.metrics.BlockRejected(rejectReason(err))
			app.logger.Info("Refusing peer block", "index", b.Index, "hash", b.Hash, "reason", err)
			continue
		}
		accepted = append(accepted, b)
		ids := b.TransactionIDs()
		app.stateMu.Lock()
		app.batch(ids)
		app.stateMu.Unlock()
		app.removePending(ids...)
	}
	app.seq.Unlock()

	digest := app.poh.Digest()
	for _, b := range accepted {
		app.persist(b, digest)
		// The assembling peer forwards its own block.
		if err := app.repository.MarkBlockForwarded(b.Index); err != nil {
			app.logger.Error("Failed to mark block forwarded", "index", b.Index, "err", err)
		}
	}
	if len(accepted) > 0 {
		app.metrics.Height(app.chain.Len())
		app.metrics.Merged("blocks", len(accepted))
		app.logger.Info("Merged peer blocks", "count", len(accepted), "height", app.chain.Len())
	}
	return len(accepted)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ledger.ErrPrevHashMismatch):
		return "prev_hash_mismatch"
	case errors.Is(err, ledger.ErrIndexGap):
		return "index_gap"
	}
	return "invalid"
}

// RetryForwards re-attempts approval of unapproved pending transactions,
// then forwards approved transactions and blocks upstream has not
// acknowledged, and re-archives blocks the archive refused. Unforwarded
// transactions are read from storage, so those already carried by a block
// are retried too.
func (app *Application) RetryForwards(ctx context.Context) (retried, failed int) {
	unapproved := app.pendingWhere(func(e *pendingEntry) bool { return !e.tx.Approved() })
	byID := make(map[string]ledger.Transaction)
	for i := range unapproved {
		if ok, _ := app.approve(&unapproved[i]); ok {
			byID[unapproved[i].ID] = unapproved[i]
		}
	}

	rows, err := app.repository.UnforwardedTransactions()
	if err != nil {
		var rerr *repository.RepositoryError
		if errors.As(err, &rerr) && rerr.Transient() {
			app.logger.Info("Store unavailable, forwards retried next round", "err", err)
		} else {
			app.logger.Error("Failed to list unforwarded transactions", "err", err)
		}
		failed++
	}
	for _, row := range rows {
		if _, ok := byID[row.ID]; !ok {
			byID[row.ID] = row.Transaction
		}
	}
	unforwarded := make([]ledger.Transaction, 0, len(byID))
	for _, tx := range byID {
		unforwarded = append(unforwarded, tx)
	}
	sortByCreation(unforwarded)

	for i := range unforwarded {
		tx := &unforwarded[i]
		endpoint, ok, err := app.router.ResolveUpstream(tx.SenderContinent)
		if err != nil {
			failed++
			continue
		}
		if !ok {
			app.acknowledge(tx)
			retried++
			continue
		}
		if err := app.forward(ctx, endpoint, tx); err != nil {
			failed++
			continue
		}
		retried++
	}

	app.stateMu.Lock()
	blocks := make([]*ledger.Block, 0, len(app.unforwardedBlocks))
	for _, b := range app.unforwardedBlocks {
		blocks = append(blocks, b)
	}
	backlog := make([]archiveItem, 0, len(app.archiveBacklog))
	for _, item := range app.archiveBacklog {
		backlog = append(backlog, item)
	}
	app.stateMu.Unlock()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	for _, b := range blocks {
		endpoint, ok, err := app.router.ResolveUpstream(app.homeContinent())
		switch {
		case err != nil:
			failed++
		case !ok:
			app.markBlockForwarded(b)
		case app.forwardBlock(ctx, endpoint, b) != nil:
			failed++
		default:
			retried++
		}
	}

	if archive := app.repository.Archive(); archive != nil {
		for _, item := range backlog {
			if err := archive.PutBlock(item.block, item.digest); err != nil {
				failed++
				continue
			}
			app.stateMu.Lock()
			delete(app.archiveBacklog, item.block.Index)
			app.stateMu.Unlock()
		}
	}
	return retried, failed
}
