package app

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
)

// Assembler turns the approved pending set into blocks, on demand when the
// batch threshold is reached and on a timer otherwise.
type Assembler struct {
	service.BaseService

	app *Application
}

func NewAssembler(app *Application, logger cmtlog.Logger) *Assembler {
	a := &Assembler{app: app}
	a.BaseService = *service.NewBaseService(logger.With("module", "assembler"), "Assembler", a)
	return a
}

func (a *Assembler) OnStart() error {
	go a.loop()
	return nil
}

func (a *Assembler) loop() {
	interval := a.app.config.DrainInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.Quit():
			return
		case <-a.app.assembleCh:
			a.drain()
		case <-ticker.C:
			if a.app.ShouldAssemble(a.app.now()) {
				a.drain()
			}
		}
	}
}

// drain assembles blocks until fewer than a full batch remain approved.
func (a *Assembler) drain() {
	for {
		block, err := a.app.TryAssemble(context.Background())
		if err != nil {
			a.Logger.Error("Block assembly failed", "err", err)
			return
		}
		if block == nil {
			return
		}
		if _, approved := a.app.PendingCount(); approved < a.app.config.BatchThreshold {
			return
		}
		select {
		case <-a.Quit():
			return
		default:
		}
	}
}

// Sweeper enforces the pending retention window.
type Sweeper struct {
	service.BaseService

	app      *Application
	interval time.Duration
}

func NewSweeper(app *Application, interval time.Duration, logger cmtlog.Logger) *Sweeper {
	s := &Sweeper{app: app, interval: interval}
	s.BaseService = *service.NewBaseService(logger.With("module", "sweeper"), "Sweeper", s)
	return s
}

func (s *Sweeper) OnStart() error {
	go s.loop()
	return nil
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Quit():
			return
		case <-ticker.C:
			if _, err := s.app.SweepExpired(s.app.now()); err != nil {
				s.Logger.Error("Retention sweep failed", "err", err)
			}
		}
	}
}
