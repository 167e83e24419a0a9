package dpos

import (
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"

	"github.com/citychain/ledger-node/evaluation"
)

// WindowCloser yields the records of the evaluation window ending at now.
type WindowCloser interface {
	CloseWindow(now time.Time) ([]evaluation.Record, error)
}

// Scheduler runs the periodic election at every quarter boundary.
type Scheduler struct {
	service.BaseService

	registry *Registry
	window   WindowCloser
	now      func() time.Time
}

func NewScheduler(registry *Registry, window WindowCloser, logger cmtlog.Logger) *Scheduler {
	s := &Scheduler{
		registry: registry,
		window:   window,
		now:      time.Now,
	}
	s.BaseService = *service.NewBaseService(logger.With("module", "election"), "ElectionScheduler", s)
	return s
}

func (s *Scheduler) OnStart() error {
	go s.loop()
	return nil
}

func (s *Scheduler) loop() {
	for {
		next := NextElection(s.now())
		s.Logger.Info("Next election scheduled", "at", next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.Quit():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(next)
		}
	}
}

// RunOnce closes the evaluation window at now and elects the next cohort.
func (s *Scheduler) RunOnce(now time.Time) map[string][]Representative {
	records, err := s.window.CloseWindow(now)
	if err != nil {
		s.Logger.Error("Closing evaluation window", "err", err)
	}
	return s.registry.RunPeriodicElection(now, records)
}
