// Package gossip pushes the pending set and the recent chain of a node to
// its same-tier peers on a fixed cadence. Receiving peers merge what they
// have not seen, so a round is idempotent and rounds converge.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
	"golang.org/x/sync/errgroup"

	"github.com/citychain/ledger-node/client"
	"github.com/citychain/ledger-node/ledger"
	"github.com/citychain/ledger-node/metrics"
)

const (
	TransactionsPath = "/gossip/transactions"
	BlocksPath       = "/gossip/blocks"

	// DefaultWindow is how many recent blocks a round carries.
	DefaultWindow = 10
)

// Source is the local state a round pushes.
type Source interface {
	PendingTransactions() []ledger.Transaction
	RecentBlocks(n int) []*ledger.Block
}

// Config controls the gossip cadence. Transactions are pushed every
// Interval and blocks every BlockInterval, which defaults to Interval.
type Config struct {
	Peers         []string
	Interval      time.Duration
	BlockInterval time.Duration
	Window        int
	Timeout       time.Duration
	Concurrency   int
}

// Synchronizer is the gossip service.
type Synchronizer struct {
	service.BaseService

	source  Source
	config  Config
	client  *client.HTTPClient
	metrics *metrics.Metrics
}

func NewSynchronizer(source Source, cfg Config, m *metrics.Metrics, logger cmtlog.Logger) *Synchronizer {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = cfg.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	s := &Synchronizer{
		source:  source,
		config:  cfg,
		client:  client.NewHTTPClient("", cfg.Timeout),
		metrics: m,
	}
	s.BaseService = *service.NewBaseService(logger.With("module", "gossip"), "Gossip", s)
	return s
}

func (s *Synchronizer) OnStart() error {
	if len(s.config.Peers) == 0 {
		s.Logger.Info("No gossip peers configured")
		return nil
	}
	go s.loop()
	return nil
}

func (s *Synchronizer) loop() {
	txTicker := time.NewTicker(s.config.Interval)
	defer txTicker.Stop()
	blockTicker := time.NewTicker(s.config.BlockInterval)
	defer blockTicker.Stop()
	for {
		select {
		case <-s.Quit():
			return
		case <-txTicker.C:
			if err := s.GossipTransactions(context.Background()); err != nil {
				s.Logger.Info("Transaction gossip incomplete", "err", err)
			}
		case <-blockTicker.C:
			if err := s.GossipBlocks(context.Background()); err != nil {
				s.Logger.Info("Block gossip incomplete", "err", err)
			}
		}
	}
}

// GossipTransactions pushes the whole pending set to every peer.
func (s *Synchronizer) GossipTransactions(ctx context.Context) error {
	txs := s.source.PendingTransactions()
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return s.fanOut(ctx, TransactionsPath, "transactions", txs)
}

// GossipBlocks pushes the last Window blocks to every peer.
func (s *Synchronizer) GossipBlocks(ctx context.Context) error {
	blocks := s.source.RecentBlocks(s.config.Window)
	if blocks == nil {
		blocks = []*ledger.Block{}
	}
	return s.fanOut(ctx, BlocksPath, "blocks", blocks)
}

// Round runs one transaction push and one block push.
func (s *Synchronizer) Round(ctx context.Context) error {
	return errors.Join(s.GossipTransactions(ctx), s.GossipBlocks(ctx))
}

// fanOut posts payload to every peer. It returns the first peer failure;
// the other peers are still contacted.
func (s *Synchronizer) fanOut(ctx context.Context, path, kind string, payload interface{}) error {
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, peer := range s.config.Peers {
		peer := peer
		g.Go(func() error {
			if err := s.push(ctx, peer, path, payload); err != nil {
				return err
			}
			s.metrics.GossipRound(kind)
			return nil
		})
	}
	return g.Wait()
}

func (s *Synchronizer) push(ctx context.Context, peer, path string, payload interface{}) error {
	url := strings.TrimRight(peer, "/") + path
	resp, err := s.client.POST(ctx, url, payload, nil)
	if err != nil {
		return fmt.Errorf("gossip to %s: %w", peer, err)
	}
	if !resp.OK() {
		return fmt.Errorf("gossip to %s: status %d", peer, resp.StatusCode)
	}
	return nil
}
