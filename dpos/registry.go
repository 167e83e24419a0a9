package dpos

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtsync "github.com/cometbft/cometbft/libs/sync"

	"github.com/citychain/ledger-node/evaluation"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/signer"
)

const (
	// TermLength is both the evaluation window and the representative term.
	TermLength = 90 * 24 * time.Hour

	DefaultRosterSize = 5
)

// Representative is a term-bounded approver for one municipality.
type Representative struct {
	UserID       string    `json:"user_id"`
	Municipality string    `json:"municipality"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	Score        float64   `json:"score"`
}

// ActiveAt reports whether t falls inside the closed term window.
func (r Representative) ActiveAt(t time.Time) bool {
	return !t.Before(r.StartDate) && !t.After(r.EndDate)
}

// Approver decides whether a transaction may enter a block.
type Approver interface {
	Approve(tx *ledger.Transaction) ledger.Decision
}

// BlockApprover decides whether an assembled block may be committed.
type BlockApprover interface {
	ApproveBlock(b *ledger.Block) ledger.Decision
}

// RosterStore persists elected cohorts.
type RosterStore interface {
	SaveRepresentatives(reps []Representative) error
	LoadRepresentatives() ([]Representative, error)
}

// Registry holds each municipality's roster and its active representative.
// Rosters accumulate cohorts; members whose term has lapsed stay on the
// roster but are never elected.
type Registry struct {
	mu      cmtsync.RWMutex
	rosters map[string][]Representative
	active  map[string]Representative
	rng     *rand.Rand

	home       string
	rosterSize int
	signer     signer.Signer
	trusted    [][]byte
	notifier   Notifier
	store      RosterStore
	now        func() time.Time
	logger     cmtlog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) { r.rng = rng }
}

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithStore(s RosterStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithTrustedKeys accepts approvals signed by the given peer keys in
// addition to the local signer's.
func WithTrustedKeys(keys ...[]byte) Option {
	return func(r *Registry) { r.trusted = append(r.trusted, keys...) }
}

func WithRosterSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.rosterSize = n
		}
	}
}

// NewRegistry creates a registry that signs with s. Blocks are approved by
// the active representative of home.
func NewRegistry(s signer.Signer, home string, logger cmtlog.Logger, opts ...Option) *Registry {
	logger = logger.With("module", "dpos")
	r := &Registry{
		rosters:    make(map[string][]Representative),
		active:     make(map[string]Representative),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		home:       home,
		rosterSize: DefaultRosterSize,
		signer:     s,
		notifier:   NewLogNotifier(logger),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Home is the municipality whose representative approves blocks.
func (r *Registry) Home() string {
	return r.home
}

// PublicKey is the key approvals from this node are signed with.
func (r *Registry) PublicKey() []byte {
	return r.signer.PublicKey()
}

// Load restores persisted cohorts.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	reps, err := r.store.LoadRepresentatives()
	if err != nil {
		return fmt.Errorf("loading representatives: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range reps {
		r.rosters[rep.Municipality] = append(r.rosters[rep.Municipality], rep)
	}
	return nil
}

// Bootstrap seeds a municipality that has no roster yet with the given users.
// Their term runs from now until the first elected cohort takes over.
func (r *Registry) Bootstrap(municipality string, users []string) error {
	now := r.now().UTC()
	end := NextElection(now).Add(TermLength)
	reps := make([]Representative, 0, len(users))
	for _, u := range users {
		reps = append(reps, Representative{UserID: u, Municipality: municipality, StartDate: now, EndDate: end})
	}

	r.mu.Lock()
	if len(r.rosters[municipality]) > 0 {
		r.mu.Unlock()
		return nil
	}
	r.rosters[municipality] = reps
	r.mu.Unlock()

	r.logger.Info("Bootstrapped roster", "municipality", municipality, "size", len(reps), "until", end)
	return r.persist(reps)
}

// AddCohort appends representatives to their municipalities' rosters.
func (r *Registry) AddCohort(reps []Representative) error {
	r.mu.Lock()
	for _, rep := range reps {
		r.rosters[rep.Municipality] = append(r.rosters[rep.Municipality], rep)
	}
	r.mu.Unlock()
	return r.persist(reps)
}

func (r *Registry) persist(reps []Representative) error {
	if r.store == nil || len(reps) == 0 {
		return nil
	}
	if err := r.store.SaveRepresentatives(reps); err != nil {
		return fmt.Errorf("saving representatives: %w", err)
	}
	return nil
}

// Roster returns every cohort member assigned to municipality.
func (r *Registry) Roster(municipality string) []Representative {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Representative, len(r.rosters[municipality]))
	copy(out, r.rosters[municipality])
	return out
}

// Active returns the currently designated approver, whether or not its term
// still holds.
func (r *Registry) Active(municipality string) (Representative, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.active[municipality]
	return rep, ok
}

// Municipalities lists every municipality with a roster.
func (r *Registry) Municipalities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rosters))
	for m := range r.rosters {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Elect picks uniformly among the roster members whose term covers now and
// makes the pick the active representative.
func (r *Registry) Elect(municipality string) (Representative, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []Representative
	for _, rep := range r.rosters[municipality] {
		if rep.ActiveAt(now) {
			eligible = append(eligible, rep)
		}
	}
	if len(eligible) == 0 {
		delete(r.active, municipality)
		return Representative{}, fmt.Errorf("%w: %s", ledger.ErrNoRepresentativeAvailable, municipality)
	}

	rep := eligible[r.rng.Intn(len(eligible))]
	r.active[municipality] = rep
	r.logger.Info("Elected representative", "municipality", municipality, "user", rep.UserID, "term_end", rep.EndDate)
	return rep, nil
}

// current returns the active representative for municipality if its term
// covers now.
func (r *Registry) current(municipality string) (Representative, error) {
	now := r.now()
	r.mu.RLock()
	rep, ok := r.active[municipality]
	r.mu.RUnlock()
	if !ok {
		return Representative{}, fmt.Errorf("%w: %s", ledger.ErrNoRepresentativeAvailable, municipality)
	}
	if !rep.ActiveAt(now) {
		return Representative{}, fmt.Errorf("%w: %s term ended %s", ledger.ErrRepresentativeTermExpired, rep.UserID, rep.EndDate)
	}
	return rep, nil
}

// Approve signs tx on behalf of the active representative of its sender
// municipality. The term is re-checked here, not only at election.
func (r *Registry) Approve(tx *ledger.Transaction) ledger.Decision {
	rep, err := r.current(tx.SenderMunicipality)
	if err != nil {
		return ledger.Rejected(err)
	}

	tx.ApprovedBy = rep.UserID
	sig, err := r.signer.Sign(tx.SigningBytes())
	if err != nil {
		tx.ClearApproval()
		return ledger.Rejected(err)
	}
	tx.Signature = sig
	tx.ApproverKey = r.signer.PublicKey()
	return ledger.Signed(rep.UserID)
}

// ApproveBlock has the home representative sign the block hash.
func (r *Registry) ApproveBlock(b *ledger.Block) ledger.Decision {
	rep, err := r.current(r.home)
	if err != nil {
		return ledger.Rejected(err)
	}
	sig, err := r.signer.Sign(b.SigningBytes())
	if err != nil {
		return ledger.Rejected(err)
	}
	b.Signature = sig
	b.VerifiableCredential = fmt.Sprintf("approved_by_%s", rep.UserID)
	return ledger.Signed(rep.UserID)
}

// VerifyApproval accepts tx only if it was signed by the local key or a
// trusted peer key, and ApprovedBy is on the sender municipality's roster
// with a term that overlaps the span from tx creation to now.
func (r *Registry) VerifyApproval(tx *ledger.Transaction) bool {
	if !tx.Approved() || !r.trustedKey(tx.ApproverKey) {
		return false
	}
	if !r.signer.Verify(tx.SigningBytes(), tx.Signature, tx.ApproverKey) {
		return false
	}

	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rep := range r.rosters[tx.SenderMunicipality] {
		if rep.UserID != tx.ApprovedBy {
			continue
		}
		if !rep.StartDate.After(now) && !rep.EndDate.Before(tx.CreatedAt) {
			return true
		}
	}
	return false
}

func (r *Registry) trustedKey(key []byte) bool {
	if bytes.Equal(key, r.signer.PublicKey()) {
		return true
	}
	for _, k := range r.trusted {
		if bytes.Equal(key, k) {
			return true
		}
	}
	return false
}

// RunPeriodicElection ranks the closed window's records per municipality and
// installs the top candidates as the next cohort. The cohort's term starts
// one term after now and lasts one term.
func (r *Registry) RunPeriodicElection(now time.Time, records []evaluation.Record) map[string][]Representative {
	start := now.UTC().Add(TermLength)
	end := start.Add(TermLength)

	byMunicipality := make(map[string][]evaluation.Record)
	for _, rec := range records {
		byMunicipality[rec.Municipality] = append(byMunicipality[rec.Municipality], rec)
	}

	elected := make(map[string][]Representative, len(byMunicipality))
	var cohort []Representative
	for municipality, recs := range byMunicipality {
		ranked := Rank(recs)
		if len(ranked) > r.rosterSize {
			ranked = ranked[:r.rosterSize]
		}
		for _, rec := range ranked {
			rep := Representative{
				UserID:       rec.UserID,
				Municipality: municipality,
				StartDate:    start,
				EndDate:      end,
				Score:        rec.Score(),
			}
			elected[municipality] = append(elected[municipality], rep)
			cohort = append(cohort, rep)
		}
	}

	if err := r.AddCohort(cohort); err != nil {
		r.logger.Error("Failed to persist elected cohort", "err", err)
	}
	for _, rep := range cohort {
		if err := r.notifier.Notify(rep); err != nil {
			r.logger.Error("Failed to notify representative", "user", rep.UserID, "err", err)
		}
	}
	r.logger.Info("Periodic election finished", "municipalities", len(elected), "representatives", len(cohort), "term_start", start)
	return elected
}

// Rank orders records by score descending, ties by user id ascending.
func Rank(records []evaluation.Record) []evaluation.Record {
	out := make([]evaluation.Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// NextElection is the first quarter boundary (1 Jan, Apr, Jul, Oct at
// midnight UTC) strictly after t.
func NextElection(t time.Time) time.Time {
	t = t.UTC()
	quarterMonth := time.Month((int(t.Month())-1)/3*3 + 1)
	next := time.Date(t.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
	for !next.After(t) {
		next = next.AddDate(0, 3, 0)
	}
	return next
}
