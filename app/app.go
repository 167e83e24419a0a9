package app

import (
	"errors"
	"fmt"
	"sort"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtsync "github.com/cometbft/cometbft/libs/sync"

	"github.com/citychain/ledger-node/dpos"
	"github.com/citychain/ledger-node/evaluation"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/metrics"
	"github.com/citychain/ledger-node/poh"
	"github.com/citychain/ledger-node/repository"
	"github.com/citychain/ledger-node/router"
)

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID       string
	Municipality string // roster key of the representative approving blocks

	BatchThreshold int           // approved pending count that triggers assembly at once
	DrainThreshold int           // approved pending count drained on every tick
	DrainInterval  time.Duration // background assembly tick
	MaxWait        time.Duration // oldest approved pending may wait this long
	MaxBlockTxs    int

	ForwardTimeout time.Duration
	Retention      time.Duration // pending transactions older than this expire
	AutoShare      bool          // move included complete transactions to shared
}

// DefaultAppConfig returns the production thresholds.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		BatchThreshold: 500,
		DrainThreshold: 5,
		DrainInterval:  10 * time.Second,
		MaxWait:        time.Minute,
		MaxBlockTxs:    500,
		ForwardTimeout: 5 * time.Second,
		Retention:      180 * 24 * time.Hour,
	}
}

type pendingEntry struct {
	tx ledger.Transaction
}

// Application owns the node's shared state: the pending set, the local
// chain and, through the dpos registry, the representative roster.
//
// Locks are taken in the order seq -> state -> pending -> chain -> roster
// and none is held across storage or network I/O. The poh log lock is a
// leaf.
type Application struct {
	config  *AppConfig
	logger  cmtlog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	repository    *repository.Repository
	router        *router.Router
	forwarder     *router.Forwarder
	registry      *dpos.Registry
	approver      dpos.Approver
	blockApprover dpos.BlockApprover
	evaluations   *evaluation.Registry
	poh           *poh.Log

	// seq linearizes index assignment between assembly and block merges.
	seq cmtsync.Mutex

	stateMu           cmtsync.Mutex
	lastBlockAt       time.Time
	unforwardedBlocks map[uint64]*ledger.Block
	archiveBacklog    map[uint64]archiveItem
	// batching holds ids carried by a chain block whose inclusion is not
	// yet stored. The sweep must not expire them.
	batching map[string]struct{}

	pendingMu cmtsync.RWMutex
	pending   map[string]*pendingEntry

	chain *ledger.Chain

	assembleCh chan struct{}
}

type archiveItem struct {
	block  *ledger.Block
	digest string
}

// NewApplication creates a new application
func NewApplication(
	config *AppConfig,
	repo *repository.Repository,
	rt *router.Router,
	forwarder *router.Forwarder,
	registry *dpos.Registry,
	evaluations *evaluation.Registry,
	m *metrics.Metrics,
	logger cmtlog.Logger,
) *Application {
	approver := dpos.NewElectingApprover(registry)
	return &Application{
		config:            config,
		logger:            logger.With("module", "app"),
		metrics:           m,
		now:               func() time.Time { return time.Now().UTC() },
		repository:        repo,
		router:            rt,
		forwarder:         forwarder,
		registry:          registry,
		approver:          approver,
		blockApprover:     approver,
		evaluations:       evaluations,
		poh:               poh.New(),
		lastBlockAt:       time.Now().UTC(),
		unforwardedBlocks: make(map[uint64]*ledger.Block),
		archiveBacklog:    make(map[uint64]archiveItem),
		batching:          make(map[string]struct{}),
		pending:           make(map[string]*pendingEntry),
		chain:             ledger.NewChain(),
		assembleCh:        make(chan struct{}, 1),
	}
}

// SetApprovers replaces the approval strategy.
func (app *Application) SetApprovers(tx dpos.Approver, block dpos.BlockApprover) {
	app.approver = tx
	app.blockApprover = block
}

// SetClock replaces the wall clock, for tests.
func (app *Application) SetClock(now func() time.Time) {
	app.now = now
}

func (app *Application) Config() *AppConfig {
	return app.config
}

func (app *Application) Chain() *ledger.Chain {
	return app.chain
}

func (app *Application) PoH() *poh.Log {
	return app.poh
}

func (app *Application) Registry() *dpos.Registry {
	return app.registry
}

func (app *Application) Evaluations() *evaluation.Registry {
	return app.evaluations
}

func (app *Application) Router() *router.Router {
	return app.router
}

func (app *Application) Repository() *repository.Repository {
	return app.repository
}

// Load rebuilds the PoH log, the chain and the pending set from the
// operational store.
func (app *Application) Load() error {
	entries, err := app.repository.PohEntries()
	if err != nil {
		return err
	}
	app.poh.Restore(entries)

	blocks, err := app.repository.LoadBlocks()
	if err != nil {
		return err
	}
	for _, stored := range blocks {
		if err := app.chain.Append(stored.Block); err != nil {
			return err
		}
		if !stored.Forwarded {
			app.markUnforwarded(stored.Block)
		}
		app.checkArchived(stored)
	}
	if n := len(blocks); n > 0 && blocks[n-1].PohDigest != "" {
		last := blocks[n-1]
		if _, ok := poh.VerifyDigest(entries, last.PohDigest); !ok {
			app.logger.Error("PoH log does not reproduce the last block digest",
				"index", last.Block.Index, "entries", len(entries))
		}
	}

	// A block can be stored without the inclusion of its transactions.
	included := make(map[string]uint64)
	for _, stored := range blocks {
		for _, id := range stored.Block.TransactionIDs() {
			included[id] = stored.Block.Index
		}
	}

	rows, err := app.repository.UnbatchedTransactions()
	if err != nil {
		return err
	}
	reinclude := make(map[uint64][]string)
	app.pendingMu.Lock()
	for _, row := range rows {
		if index, ok := included[row.ID]; ok {
			reinclude[index] = append(reinclude[index], row.ID)
			continue
		}
		app.pending[row.ID] = &pendingEntry{tx: row.Transaction}
	}
	n := len(app.pending)
	app.pendingMu.Unlock()

	for index, ids := range reinclude {
		if err := app.repository.MarkIncluded(ids, index); err != nil {
			app.logger.Error("Failed to mark transactions included", "index", index, "err", err)
			app.stateMu.Lock()
			app.batch(ids)
			app.stateMu.Unlock()
		}
	}

	app.metrics.Pending(n)
	app.metrics.Height(app.chain.Len())
	app.logger.Info("Restored state", "blocks", len(blocks), "pending", n, "poh", len(entries))
	return nil
}

// checkArchived queues stored for the archive unless the archive already
// holds it.
func (app *Application) checkArchived(stored repository.StoredBlock) {
	archive := app.repository.Archive()
	if archive == nil {
		return
	}
	archived, err := archive.GetBlock(stored.Block.Index)
	switch {
	case err == nil && archived.Hash != stored.Block.Hash:
		app.logger.Error("Archived block differs from the stored chain",
			"index", stored.Block.Index, "archived", archived.Hash, "stored", stored.Block.Hash)
		return
	case err == nil:
		return
	case !errors.Is(err, ledger.ErrNotFound):
		app.logger.Error("Failed to read archived block", "index", stored.Block.Index, "err", err)
	}
	app.stateMu.Lock()
	app.archiveBacklog[stored.Block.Index] = archiveItem{block: stored.Block, digest: stored.PohDigest}
	app.stateMu.Unlock()
}

// Block returns the chain block at index with the PoH digest recorded when
// it was committed.
func (app *Application) Block(index uint64) (*ledger.Block, string, error) {
	b, ok := app.chain.Get(index)
	if !ok {
		return nil, "", fmt.Errorf("%w: block %d", ledger.ErrNotFound, index)
	}
	app.stateMu.Lock()
	item, queued := app.archiveBacklog[index]
	app.stateMu.Unlock()
	if queued {
		return b, item.digest, nil
	}
	archive := app.repository.Archive()
	if archive == nil {
		return b, "", nil
	}
	digest, err := archive.PohDigest(index)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, "", err
	}
	return b, digest, nil
}

// PendingTransactions returns a copy of the pending set in
// (created_at, transaction_id) order.
func (app *Application) PendingTransactions() []ledger.Transaction {
	return app.pendingWhere(func(*pendingEntry) bool { return true })
}

// PendingFor filters the pending set by receiver and receiver municipality.
// Empty arguments match anything.
func (app *Application) PendingFor(receiver, receiverMunicipality string) []ledger.Transaction {
	return app.pendingWhere(func(e *pendingEntry) bool {
		return (receiver == "" || e.tx.Receiver == receiver) &&
			(receiverMunicipality == "" || e.tx.ReceiverMunicipality == receiverMunicipality)
	})
}

func (app *Application) pendingWhere(keep func(*pendingEntry) bool) []ledger.Transaction {
	app.pendingMu.RLock()
	out := make([]ledger.Transaction, 0, len(app.pending))
	for _, e := range app.pending {
		if keep(e) {
			out = append(out, e.tx)
		}
	}
	app.pendingMu.RUnlock()
	sortByCreation(out)
	return out
}

// PendingCount returns the total and the approved size of the pending set.
func (app *Application) PendingCount() (total, approved int) {
	app.pendingMu.RLock()
	defer app.pendingMu.RUnlock()
	for _, e := range app.pending {
		if e.tx.Approved() {
			approved++
		}
	}
	return len(app.pending), approved
}

// RecentBlocks returns up to n of the most recent blocks.
func (app *Application) RecentBlocks(n int) []*ledger.Block {
	return app.chain.Last(n)
}

// Transaction looks id up in the pending set, then in storage.
func (app *Application) Transaction(id string) (*ledger.Transaction, error) {
	app.pendingMu.RLock()
	e, ok := app.pending[id]
	var tx ledger.Transaction
	if ok {
		tx = e.tx
	}
	app.pendingMu.RUnlock()
	if ok {
		return &tx, nil
	}
	return app.repository.GetTransaction(id)
}

func (app *Application) isPending(id string) bool {
	app.pendingMu.RLock()
	defer app.pendingMu.RUnlock()
	_, ok := app.pending[id]
	return ok
}

// updatePending applies fn to the pending entry of id if it is still there.
func (app *Application) updatePending(id string, fn func(*pendingEntry)) bool {
	app.pendingMu.Lock()
	defer app.pendingMu.Unlock()
	e, ok := app.pending[id]
	if ok {
		fn(e)
	}
	return ok
}

func (app *Application) removePending(ids ...string) int {
	app.pendingMu.Lock()
	removed := 0
	for _, id := range ids {
		if _, ok := app.pending[id]; ok {
			delete(app.pending, id)
			removed++
		}
	}
	n := len(app.pending)
	app.pendingMu.Unlock()
	app.metrics.Pending(n)
	return removed
}

func sortByCreation(txs []ledger.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}
