package payment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/digkill/ghiblit/internal/models"
)

const journalTimeout = 5 * time.Second

// Journal records tracked checkouts. Journal errors are logged and never stop a poller.
type Journal interface {
	Create(ctx context.Context, rec *models.CheckoutRecord) error
	Finish(ctx context.Context, id int64, state, message string) error
}

// WatchInfo describes one running poller.
type WatchInfo struct {
	Key       int64     `json:"key"`
	Checkout  string    `json:"checkout"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type watch struct {
	poller  *Poller
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}
}

// Registry runs at most one poller per key, e.g. per chat. Starting a new poller or
// cancelling the key tears the previous one down.
type Registry struct {
	mu      sync.Mutex
	watches map[int64]*watch
	closed  bool
	wg      sync.WaitGroup

	journal Journal
	log     *slog.Logger
}

type RegistryOption func(*Registry)

// WithJournal records every started checkout and how it ended.
func WithJournal(j Journal, log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.journal = j
		if log != nil {
			r.log = log
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{watches: make(map[int64]*watch), log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs p in the background under key. onDone receives the outcome when the poller
// reaches a terminal state; it is not called when the poller is cancelled. After
// Shutdown, Start does nothing.
func (r *Registry) Start(ctx context.Context, key int64, p *Poller, onDone func(Outcome)) {
	runCtx, cancel := context.WithCancel(ctx)
	w := &watch{poller: p, cancel: cancel, started: time.Now(), done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return
	}
	prev := r.watches[key]
	r.watches[key] = w
	r.wg.Add(1)
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer r.wg.Done()
		defer close(w.done)
		defer cancel()

		recID := r.recordStart(runCtx, key, p.Checkout())
		out, err := p.Run(runCtx)
		r.recordFinish(runCtx, recID, out, err)

		r.mu.Lock()
		if r.watches[key] == w {
			delete(r.watches, key)
		}
		r.mu.Unlock()

		if err == nil && onDone != nil {
			onDone(out)
		}
	}()
}

func (r *Registry) recordStart(ctx context.Context, key int64, c Checkout) int64 {
	if r.journal == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	rec := &models.CheckoutRecord{ChatID: key, Kind: checkoutKind(c), ExternalID: c.ID(), State: StatePolling.String()}
	if err := r.journal.Create(ctx, rec); err != nil {
		r.log.Warn("journal checkout", "checkout", c.String(), "err", err)
		return 0
	}
	return rec.ID
}

func (r *Registry) recordFinish(ctx context.Context, id int64, out Outcome, runErr error) {
	if r.journal == nil || id == 0 {
		return
	}
	// A cancelled poller has no terminal state; the row says it was stopped.
	state, message := out.State.String(), out.Message
	if runErr != nil {
		state, message = "stopped", runErr.Error()
	} else if message == "" && out.Err != nil {
		message = out.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := r.journal.Finish(ctx, id, state, message); err != nil {
		r.log.Warn("journal checkout outcome", "id", id, "err", err)
	}
}

func checkoutKind(c Checkout) string {
	switch c.(type) {
	case *ManualUPICheckout:
		return "manual"
	default:
		return "redirect"
	}
}

// Cancel stops the poller under key and waits for it to exit. It reports whether one
// was running.
func (r *Registry) Cancel(key int64) bool {
	r.mu.Lock()
	w, ok := r.watches[key]
	if ok {
		delete(r.watches, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	w.cancel()
	<-w.done
	return true
}

// Current returns the checkout being polled under key.
func (r *Registry) Current(key int64) (Checkout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[key]
	if !ok {
		return nil, false
	}
	return w.poller.Checkout(), true
}

func (r *Registry) Active() []WatchInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WatchInfo, 0, len(r.watches))
	for key, w := range r.watches {
		out = append(out, WatchInfo{
			Key:       key,
			Checkout:  w.poller.Checkout().String(),
			State:     w.poller.State().String(),
			StartedAt: w.started,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown cancels every poller and waits for them to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for key, w := range r.watches {
		w.cancel()
		delete(r.watches, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
