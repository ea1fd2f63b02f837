package server

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// Sweep triggers, reported in logs and metrics
const (
	SweepTriggerInterval = "interval"
	SweepTriggerMint     = "mint"
	SweepTriggerManual   = "manual"
)

// Sweeper deletes expired codes and tokens on a timer and after every mint.
// Sweeps only remove rows already past expiry, so they can overlap with any
// other operation.
type Sweeper struct {
	*core
	store storage.Sweeper
	group singleflight.Group

	// base bounds opportunistic sweeps; cancelled by Stop
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopped  bool
	done     chan struct{}
	inflight sync.WaitGroup
}

func newSweeper(c *core, store storage.Sweeper) *Sweeper {
	base, cancel := context.WithCancel(context.Background())
	return &Sweeper{core: c, store: store, base: base, cancel: cancel}
}

// Sweep removes every expired row now and reports what it removed.
func (s *Sweeper) Sweep(ctx context.Context) (storage.SweepResult, error) {
	return s.run(ctx, SweepTriggerManual)
}

func (s *Sweeper) run(ctx context.Context, trigger string) (_ storage.SweepResult, err error) {
	ctx, span := s.startSpan(ctx, "sweep", attribute.String(instrumentation.AttrSweepTrigger, trigger))
	defer func() { s.endSpan(span, err) }()

	storeCtx, cancel := s.config.storeContext(ctx)
	defer cancel()
	res, err := s.store.DeleteExpired(storeCtx, s.config.now())
	if err != nil {
		return res, storageFailure(s.logger, "delete expired", err)
	}

	span.SetAttributes(attribute.Int(instrumentation.AttrSweepRemoved, res.Total()))
	s.inst.Metrics().RecordSweep(ctx, trigger, res.Total())
	if res.Total() > 0 {
		s.logger.Debug("Swept expired rows",
			"trigger", trigger,
			"codes", res.Codes,
			"access_tokens", res.AccessTokens,
			"refresh_tokens", res.RefreshTokens)
	}
	return res, nil
}

// coalesced runs one sweep shared by every caller arriving while it is in
// flight. Failures were already logged by run.
func (s *Sweeper) coalesced(trigger string) <-chan singleflight.Result {
	return s.group.DoChan("sweep", func() (any, error) {
		return s.run(s.base, trigger)
	})
}

// Trigger starts a sweep in the background without waiting for it.
// It does nothing once the sweeper is stopped.
func (s *Sweeper) Trigger() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ch := s.coalesced(SweepTriggerMint)
	go func() {
		defer s.inflight.Done()
		<-ch
	}()
}

// Start runs a sweep every SweepInterval until ctx is done or Stop is
// called. Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			return
		case <-ticker.C:
			select {
			case <-s.coalesced(SweepTriggerInterval):
			case <-s.base.Done():
				return
			}
		}
	}
}

// Stop cancels background sweeps and waits for them and the loop to exit.
// A stopped sweeper stays stopped; Sweep still works.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	s.stopped = true
	done := s.done
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
	if done != nil {
		<-done
	}
}
