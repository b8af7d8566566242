// Package reconcile pulls the backend's authoritative active-offer set
// and diffs it against local state. Trigger bursts are debounced and
// coalesced so at most one run is ever in flight, and actual backend
// calls are rate-limited to a minimum inter-call interval.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"offergate/internal/offer"
	"offergate/internal/telemetry"
	"offergate/pkg/logx"
)

// Result is one backend active-offers response.
type Result struct {
	Offers     []offer.Offer
	SyncCursor string
	ServerTime time.Time
	// Partial marks an incremental (cursor-based) response: absence
	// does not mean removal, terminal statuses do.
	Partial bool
}

// Fetcher is the abstract "fetch active offers" collaborator. A
// circuit-breaker wrapper returning breaker.ErrOpen is treated like any
// other fetch failure.
type Fetcher interface {
	FetchActive(ctx context.Context, force bool, cursor string) (Result, error)
}

type FetcherFunc func(ctx context.Context, force bool, cursor string) (Result, error)

func (f FetcherFunc) FetchActive(ctx context.Context, force bool, cursor string) (Result, error) {
	return f(ctx, force, cursor)
}

// Diff is the unit applied to the state store after a successful run.
type Diff struct {
	Added      []offer.Offer
	Updated    []offer.Offer
	RemovedIDs []string
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.RemovedIDs) == 0
}

// Hooks connect the engine to the coordinator's single-writer state.
// Snapshot and Apply run under the coordinator lock; the fetch itself
// never does.
type Hooks struct {
	// Snapshot returns the current id -> event version view.
	Snapshot func() map[string]int64
	// Apply commits a computed diff atomically and emits one StateDelta.
	Apply func(Diff, Result)
	// OnFailure observes a failed run. May be nil.
	OnFailure func(error)
}

type Config struct {
	// Debounce coalesces trigger bursts into one run. Default 350ms.
	Debounce time.Duration
	// MinInterval is the minimum spacing between non-forced backend
	// calls. Default 5s.
	MinInterval time.Duration
	// FetchTimeout bounds one backend call. Default 10s.
	FetchTimeout time.Duration
}

type Engine struct {
	cfg     Config
	fetcher Fetcher
	hooks   Hooks
	sink    telemetry.Sink
	log     logx.Logger

	limiter *rate.Limiter

	mu           sync.Mutex
	timer        *time.Timer
	inFlight     bool
	pending      bool
	forcePending bool
	cursor       string
	runCtx       context.Context
	runCancel    context.CancelFunc

	reconciling atomic.Bool
	fetches     atomic.Uint64

	wg sync.WaitGroup
}

func New(cfg Config, fetcher Fetcher, hooks Hooks, sink telemetry.Sink, log logx.Logger) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 350 * time.Millisecond
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	lim := rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	return &Engine{cfg: cfg, fetcher: fetcher, hooks: hooks, sink: sink, log: log, limiter: lim}
}

// Start arms the engine. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
}

// Stop cancels any in-flight run and the pending debounce timer, then
// waits for the run goroutine to exit. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.runCtx = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = false
	e.forcePending = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Reconciling reports whether a backend fetch is currently in flight.
func (e *Engine) Reconciling() bool { return e.reconciling.Load() }

// Fetches reports how many backend calls have been made. Test hook.
func (e *Engine) Fetches() uint64 { return e.fetches.Load() }

// Request schedules a reconciliation. Calls inside the debounce window
// coalesce into one run; while a run is in flight the request is folded
// into a single "run again after" flag. force bypasses the min-interval
// rate limit and requests a full (non-incremental) fetch.
func (e *Engine) Request(force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return
	}
	if force {
		e.forcePending = true
	}
	if e.inFlight {
		e.pending = true
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(e.cfg.Debounce, e.fire)
	}
}

func (e *Engine) fire() {
	e.mu.Lock()
	e.timer = nil
	if e.runCtx == nil {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		e.pending = true
		e.mu.Unlock()
		return
	}
	force := e.forcePending
	e.forcePending = false
	e.inFlight = true
	ctx := e.runCtx
	cursor := e.cursor
	if force {
		cursor = ""
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, force, cursor)

		e.mu.Lock()
		e.inFlight = false
		again := e.pending
		e.pending = false
		if again && e.runCtx != nil && e.timer == nil {
			e.timer = time.AfterFunc(e.cfg.Debounce, e.fire)
		}
		e.mu.Unlock()
	}()
}

func (e *Engine) run(ctx context.Context, force bool, cursor string) {
	if force {
		// Consume a token if available but never wait.
		_ = e.limiter.Allow()
	} else if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	e.reconciling.Store(true)
	defer e.reconciling.Store(false)

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	res, err := e.fetcher.FetchActive(fctx, force, cursor)
	cancel()
	e.fetches.Add(1)
	e.sink.RecordLatency("reconcile.fetch", time.Since(start))

	if err != nil {
		e.log.Warn("reconcile fetch failed", logx.Bool("force", force), logx.Err(err))
		e.sink.Record(telemetry.StageReconcile, telemetry.StatusFailed, "fetch_error", nil)
		if e.hooks.OnFailure != nil {
			e.hooks.OnFailure(err)
		}
		return
	}

	prev := e.hooks.Snapshot()
	diff := computeDiff(prev, res)

	e.mu.Lock()
	if res.SyncCursor != "" {
		e.cursor = res.SyncCursor
	}
	e.mu.Unlock()

	e.hooks.Apply(diff, res)
	e.sink.Record(telemetry.StageReconcile, telemetry.StatusOK, "", nil)
	e.log.Debug("reconcile applied",
		logx.Int("added", len(diff.Added)),
		logx.Int("updated", len(diff.Updated)),
		logx.Int("removed", len(diff.RemovedIDs)),
		logx.Bool("partial", res.Partial),
		logx.Duration("took", time.Since(start)))
}

// computeDiff splits a fetch result into added/updated/removed against
// the previous id -> version view. A full result removes every id
// absent from the response; a partial result only removes ids the
// response marks terminal.
func computeDiff(prev map[string]int64, res Result) Diff {
	var d Diff
	seen := make(map[string]struct{}, len(res.Offers))
	for _, o := range res.Offers {
		if o.ID == "" {
			continue
		}
		seen[o.ID] = struct{}{}
		if o.Status.Terminal() {
			if _, ok := prev[o.ID]; ok {
				d.RemovedIDs = append(d.RemovedIDs, o.ID)
			}
			continue
		}
		v, ok := prev[o.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, o)
		case o.EventVersion > v || o.EventVersion == 0:
			d.Updated = append(d.Updated, o)
		}
	}
	if !res.Partial {
		for id := range prev {
			if _, ok := seen[id]; !ok {
				d.RemovedIDs = append(d.RemovedIDs, id)
			}
		}
	}
	sort.Strings(d.RemovedIDs)
	return d
}
