package dpos

import (
	"errors"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/citychain/ledger-node/ledger"
)

// Notifier tells a newly selected representative about its term.
type Notifier interface {
	Notify(rep Representative) error
}

// LogNotifier records notifications in the node log.
type LogNotifier struct {
	logger cmtlog.Logger
}

func NewLogNotifier(logger cmtlog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(rep Representative) error {
	n.logger.Info("Representative selected",
		"user", rep.UserID,
		"municipality", rep.Municipality,
		"start", rep.StartDate,
		"end", rep.EndDate,
	)
	return nil
}

// ElectingApprover runs an election on demand when a municipality has no
// active representative or its term lapsed, then retries the approval once.
type ElectingApprover struct {
	registry *Registry
}

func NewElectingApprover(r *Registry) *ElectingApprover {
	return &ElectingApprover{registry: r}
}

func (a *ElectingApprover) Approve(tx *ledger.Transaction) ledger.Decision {
	d := a.registry.Approve(tx)
	if d.Approved || !needsElection(d.Reason) {
		return d
	}
	if _, err := a.registry.Elect(tx.SenderMunicipality); err != nil {
		return ledger.Rejected(err)
	}
	return a.registry.Approve(tx)
}

func (a *ElectingApprover) ApproveBlock(b *ledger.Block) ledger.Decision {
	d := a.registry.ApproveBlock(b)
	if d.Approved || !needsElection(d.Reason) {
		return d
	}
	if _, err := a.registry.Elect(a.registry.Home()); err != nil {
		return ledger.Rejected(err)
	}
	return a.registry.ApproveBlock(b)
}

func needsElection(reason error) bool {
	return errors.Is(reason, ledger.ErrNoRepresentativeAvailable) ||
		errors.Is(reason, ledger.ErrRepresentativeTermExpired)
}
