package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"

	"github.com/citychain/ledger-node/client"
	"github.com/citychain/ledger-node/ledger"
)

const (
	TransactionsPath = "/forward/transactions"
	BlocksPath       = "/forward/blocks"

	// OriginHeader names the forwarding node.
	OriginHeader = "X-Ledger-Origin"
)

// Forwarder posts items to the next tier. Every call is time-bounded and
// never retried inline.
type Forwarder struct {
	client *client.HTTPClient
	logger cmtlog.Logger
}

func NewForwarder(timeout time.Duration, logger cmtlog.Logger) *Forwarder {
	return &Forwarder{
		client: client.NewHTTPClient("", timeout),
		logger: logger.With("module", "forwarder"),
	}
}

// SetOrigin makes every forward carry nodeID in OriginHeader.
func (f *Forwarder) SetOrigin(nodeID string) {
	f.client.DefaultOpts.Headers[OriginHeader] = nodeID
}

// Forward posts payload to endpoint+path. Transport errors and non-2xx
// replies are both ErrForwardingFailure.
func (f *Forwarder) Forward(ctx context.Context, endpoint, path string, payload interface{}) error {
	url := strings.TrimRight(endpoint, "/") + path
	resp, err := f.client.POST(ctx, url, payload, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrForwardingFailure, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s replied %d", ledger.ErrForwardingFailure, url, resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) ForwardTransaction(ctx context.Context, endpoint string, tx *ledger.Transaction) error {
	return f.Forward(ctx, endpoint, TransactionsPath, []ledger.Transaction{*tx})
}

func (f *Forwarder) ForwardBlock(ctx context.Context, endpoint string, b *ledger.Block) error {
	return f.Forward(ctx, endpoint, BlocksPath, []*ledger.Block{b})
}

// Retrier re-attempts whatever could not be forwarded earlier.
type Retrier interface {
	RetryForwards(ctx context.Context) (retried, failed int)
}

// Relay periodically drives a Retrier so failed forwards are retried by
// cadence rather than recursion.
type Relay struct {
	service.BaseService

	retrier  Retrier
	interval time.Duration
}

func NewRelay(retrier Retrier, interval time.Duration, logger cmtlog.Logger) *Relay {
	r := &Relay{retrier: retrier, interval: interval}
	r.BaseService = *service.NewBaseService(logger.With("module", "relay"), "Relay", r)
	return r
}

func (r *Relay) OnStart() error {
	go r.loop()
	return nil
}

func (r *Relay) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Quit():
			return
		case <-ticker.C:
			retried, failed := r.retrier.RetryForwards(context.Background())
			if retried > 0 || failed > 0 {
				r.Logger.Info("Forward retry round", "retried", retried, "failed", failed)
			}
		}
	}
}
