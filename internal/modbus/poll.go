package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PollSink receives the point values produced by one poll cycle.
type PollSink func(values []PointValue, err error)

// PollScheduler drives a Client's FetchPointValues on a cron schedule,
// adapting the scheduling style used elsewhere in this codebase
// (robfig/cron) to the polling-client pattern: one scheduler entry per
// peer, each tick doing one connect-if-needed-then-fetch cycle.
type PollScheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID

	logger *zap.Logger
}

// NewPollScheduler builds an idle scheduler; call Start to begin firing
// entries added with AddPeer.
func NewPollScheduler(logger *zap.Logger) *PollScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollScheduler{
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddPeer registers a peer for periodic polling at the given interval. The
// client is connected lazily on the first tick and kept open across ticks;
// a connect failure is reported to sink and retried on the next tick.
func (p *PollScheduler) AddPeer(name string, client *Client, interval time.Duration, sink PollSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[name]; exists {
		return fmt.Errorf("modbus: poll schedule already exists for peer %s", name)
	}

	connected := false
	entryID, err := p.cron.AddFunc(fmt.Sprintf("@every %s", interval.String()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()

		if !connected {
			if err := client.Connect(ctx); err != nil {
				p.logger.Warn("poll cycle could not connect", zap.String("peer", name), zap.Error(err))
				sink(nil, err)
				return
			}
			connected = true
		}

		values, err := client.FetchPointValues(ctx)
		if err != nil {
			p.logger.Warn("poll cycle failed", zap.String("peer", name), zap.Error(err))
		}
		sink(values, err)
	})
	if err != nil {
		return fmt.Errorf("modbus: invalid poll interval for peer %s: %w", name, err)
	}

	p.entries[name] = entryID
	return nil
}

// RemovePeer stops polling a previously added peer.
func (p *PollScheduler) RemovePeer(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entryID, ok := p.entries[name]
	if !ok {
		return
	}
	p.cron.Remove(entryID)
	delete(p.entries, name)
}

// Start begins firing scheduled entries.
func (p *PollScheduler) Start() { p.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight tick to finish.
func (p *PollScheduler) Stop() { <-p.cron.Stop().Done() }
