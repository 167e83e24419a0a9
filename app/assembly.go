package app

import (
	"context"
	"fmt"
	"time"

	"github.com/citychain/ledger-node/ledger"
)

// ShouldAssemble reports whether the approved pending set is due for a
// block: the batch threshold is reached, the drain threshold is reached, or
// the oldest approved transaction has waited longer than MaxWait.
func (app *Application) ShouldAssemble(now time.Time) bool {
	app.pendingMu.RLock()
	defer app.pendingMu.RUnlock()

	approved := 0
	var oldest time.Time
	for _, e := range app.pending {
		if !e.tx.Approved() {
			continue
		}
		approved++
		if oldest.IsZero() || e.tx.CreatedAt.Before(oldest) {
			oldest = e.tx.CreatedAt
		}
	}
	switch {
	case approved == 0:
		return false
	case approved >= app.config.BatchThreshold, approved >= app.config.DrainThreshold:
		return true
	}
	return app.config.MaxWait > 0 && now.Sub(oldest) >= app.config.MaxWait
}

func (app *Application) signalAssembly() {
	select {
	case app.assembleCh <- struct{}{}:
	default:
	}
}

// TryAssemble seals the oldest approved pending transactions into the next
// block. It returns a nil block when nothing is approved. When the block
// cannot be approved nothing is removed from the pending set.
func (app *Application) TryAssemble(ctx context.Context) (*ledger.Block, error) {
	app.seq.Lock()
	block, txs, err := app.assemble()
	app.seq.Unlock()
	if err != nil || block == nil {
		return nil, err
	}
	app.commit(ctx, block, txs)
	return block, nil
}

func (app *Application) assemble() (*ledger.Block, []ledger.Transaction, error) {
	txs := app.pendingWhere(func(e *pendingEntry) bool { return e.tx.Approved() })
	if len(txs) == 0 {
		return nil, nil, nil
	}
	if limit := app.config.MaxBlockTxs; limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}

	index, prev := app.chain.NextLink()
	block, err := ledger.NewBlock(index, app.now(), txs, prev)
	if err != nil {
		return nil, nil, err
	}
	if d := app.blockApprover.ApproveBlock(block); !d.Approved {
		app.logger.Error("Block approval failed", "index", index, "reason", d.Reason)
		return nil, nil, fmt.Errorf("approving block %d: %w", index, d.Reason)
	}
	if err := app.chain.Append(block); err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	app.stateMu.Lock()
	app.lastBlockAt = app.now()
	app.batch(ids)
	app.stateMu.Unlock()
	app.removePending(ids...)

	app.metrics.Assembled(len(txs), app.chain.Len())
	app.logger.Info("Assembled block", "index", block.Index, "txs", len(txs), "hash", block.Hash)
	return block, txs, nil
}

// commit persists, archives and forwards a block already appended to the
// local chain. Failures are logged and left for the relay.
func (app *Application) commit(ctx context.Context, block *ledger.Block, txs []ledger.Transaction) {
	digest := app.poh.Digest()
	app.persist(block, digest)

	if endpoint, ok, err := app.router.ResolveUpstream(app.homeContinent()); err != nil {
		app.logger.Error("No upstream for block", "index", block.Index, "err", err)
		app.markUnforwarded(block)
	} else if ok {
		if err := app.forwardBlock(ctx, endpoint, block); err != nil {
			app.markUnforwarded(block)
		}
	} else {
		app.markBlockForwarded(block)
	}

	for i := range txs {
		switch {
		case txs[i].Status == ledger.StatusShared:
			app.archive(txs[i].ID)
		case app.config.AutoShare && ledger.CanTransition(txs[i].Status, ledger.StatusShared):
			if _, err := app.UpdateStatus(txs[i].ID, ledger.StatusShared); err != nil {
				app.logger.Error("Failed to share transaction", "transaction_id", txs[i].ID, "err", err)
			}
		}
	}
}

// persist stores a chain block and its transaction inclusion. Inclusion
// is only stored once the block row is.
func (app *Application) persist(block *ledger.Block, digest string) {
	ids := block.TransactionIDs()
	if err := app.repository.SaveBlock(block, digest); err != nil {
		app.logger.Error("Failed to save block", "index", block.Index, "err", err)
	} else if err := app.repository.MarkIncluded(ids, block.Index); err != nil {
		app.logger.Error("Failed to mark transactions included", "index", block.Index, "err", err)
	} else {
		app.stateMu.Lock()
		for _, id := range ids {
			delete(app.batching, id)
		}
		app.stateMu.Unlock()
	}
	if archive := app.repository.Archive(); archive != nil {
		if err := archive.PutBlock(block, digest); err != nil {
			app.logger.Error("Failed to archive block", "index", block.Index, "err", err)
			app.stateMu.Lock()
			app.archiveBacklog[block.Index] = archiveItem{block: block, digest: digest}
			app.stateMu.Unlock()
		}
	}
}

func (app *Application) forwardBlock(ctx context.Context, endpoint string, block *ledger.Block) error {
	ctx, cancel := context.WithTimeout(ctx, app.config.ForwardTimeout)
	defer cancel()
	if err := app.forwarder.ForwardBlock(ctx, endpoint, block); err != nil {
		app.metrics.ForwardFailed("block")
		app.logger.Error("Failed to forward block", "index", block.Index, "endpoint", endpoint, "err", err)
		return err
	}
	app.markBlockForwarded(block)
	return nil
}

func (app *Application) markBlockForwarded(block *ledger.Block) {
	if err := app.repository.MarkBlockForwarded(block.Index); err != nil {
		app.logger.Error("Failed to mark block forwarded", "index", block.Index, "err", err)
	}
	app.stateMu.Lock()
	delete(app.unforwardedBlocks, block.Index)
	app.stateMu.Unlock()
}

// batch records ids as carried by a block. stateMu must be held.
func (app *Application) batch(ids []string) {
	for _, id := range ids {
		app.batching[id] = struct{}{}
	}
}

func (app *Application) markUnforwarded(block *ledger.Block) {
	app.stateMu.Lock()
	app.unforwardedBlocks[block.Index] = block
	app.stateMu.Unlock()
}

// homeContinent is the continent blocks of this node are forwarded under.
func (app *Application) homeContinent() string {
	if continent, _, err := ledger.ParseMunicipality(app.config.Municipality); err == nil {
		return continent
	}
	return app.config.Municipality
}

// LastBlockAt is when this node last assembled a block.
func (app *Application) LastBlockAt() time.Time {
	app.stateMu.Lock()
	defer app.stateMu.Unlock()
	return app.lastBlockAt
}
