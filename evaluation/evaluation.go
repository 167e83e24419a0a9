package evaluation

import (
	"fmt"
	"sort"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtsync "github.com/cometbft/cometbft/libs/sync"

	"github.com/citychain/ledger-node/ledger"
)

// Record aggregates a user's contribution signals within one municipality
// for the current evaluation window.
type Record struct {
	UserID            string  `json:"user_id"`
	Municipality      string  `json:"municipality"`
	TotalUsage        float64 `json:"total_usage"`
	ValueReceived     float64 `json:"value_received"`
	ContributionScore float64 `json:"contribution_score"`
}

// Score is the ranking value used by representative elections.
func (r Record) Score() float64 {
	return r.TotalUsage + r.ValueReceived + r.ContributionScore
}

// Store persists additive deltas. Implementations must add, not overwrite.
type Store interface {
	AddEvaluations(deltas []Record) error
	LoadEvaluations() ([]Record, error)
	ResetEvaluations() error
}

type key struct {
	user         string
	municipality string
}

// Registry tracks the records of the open window. mu also serializes
// store writes, so the store never holds a delta from a closed window.
type Registry struct {
	mu          cmtsync.RWMutex
	records     map[key]*Record
	windowStart time.Time
	store       Store
	logger      cmtlog.Logger
}

// NewRegistry returns a registry backed by store. A nil store keeps records
// in memory only.
func NewRegistry(store Store, logger cmtlog.Logger) *Registry {
	return &Registry{
		records:     make(map[key]*Record),
		windowStart: time.Now().UTC(),
		store:       store,
		logger:      logger.With("module", "evaluation"),
	}
}

// Load replaces the in-memory window with the persisted one.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.LoadEvaluations()
	if err != nil {
		return fmt.Errorf("loading evaluations: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[key]*Record, len(persisted))
	for i := range persisted {
		rec := persisted[i]
		r.records[key{rec.UserID, rec.Municipality}] = &rec
	}
	return nil
}

// Observe credits both parties of tx. The sender's contribution grows by the
// amount sent, the receiver's value_received by the amount received.
func (r *Registry) Observe(tx *ledger.Transaction) error {
	deltas := []Record{
		{UserID: tx.Sender, Municipality: tx.SenderMunicipality, TotalUsage: 1, ContributionScore: tx.Amount},
		{UserID: tx.Receiver, Municipality: tx.ReceiverMunicipality, TotalUsage: 1, ValueReceived: tx.Amount},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range deltas {
		k := key{d.UserID, d.Municipality}
		rec, ok := r.records[k]
		if !ok {
			rec = &Record{UserID: d.UserID, Municipality: d.Municipality}
			r.records[k] = rec
		}
		rec.TotalUsage += d.TotalUsage
		rec.ValueReceived += d.ValueReceived
		rec.ContributionScore += d.ContributionScore
	}

	if r.store == nil {
		return nil
	}
	if err := r.store.AddEvaluations(deltas); err != nil {
		return fmt.Errorf("persisting evaluation of %s: %w", tx.ID, err)
	}
	return nil
}

// Get returns one user's record in a municipality.
func (r *Registry) Get(userID, municipality string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key{userID, municipality}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of all records ordered by municipality then user.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// sorted copies the records. mu must be held.
func (r *Registry) sorted() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Municipality != out[j].Municipality {
			return out[i].Municipality < out[j].Municipality
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CloseWindow returns the records of the window ending at now and starts a
// new, empty one.
func (r *Registry) CloseWindow(now time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := r.sorted()
	started := r.windowStart
	r.records = make(map[key]*Record)
	r.windowStart = now.UTC()

	r.logger.Info("Closed evaluation window", "since", started, "until", now, "records", len(closed))
	if r.store == nil {
		return closed, nil
	}
	if err := r.store.ResetEvaluations(); err != nil {
		return closed, fmt.Errorf("resetting evaluation window: %w", err)
	}
	return closed, nil
}
