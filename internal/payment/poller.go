package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/ghiblit/internal/models"
)

type State int

const (
	StateIdle State = iota
	StatePolling
	StateCompleted
	StateFailed
	StateCancelled
	StateExpired
	// StateUnconfirmed ends a poll whose budget ran out before the backend reached a
	// final status. The payment may still settle later.
	StateUnconfirmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	case StateUnconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s >= StateCompleted
}

var ErrAlreadyRunning = errors.New("poller already running")

// ProfileRefresher reloads the user profile after credits were added.
type ProfileRefresher interface {
	RefreshProfile(ctx context.Context) (*models.User, error)
}

const (
	DefaultInterval             = 5 * time.Second
	DefaultMaxDuration          = 10 * time.Minute
	DefaultMaxConsecutiveErrors = 3
)

type PollerConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
	// MaxAttempts caps the number of status checks; zero means no cap.
	MaxAttempts          int
	MaxConsecutiveErrors int
	// OnTransition is called after every state change, outside the poller's lock.
	OnTransition func(state State, out Outcome)
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	return c
}

// Outcome describes where a poll ended.
type Outcome struct {
	State            State
	Attempts         int
	CreditsPurchased int
	CreditBalance    *int
	Message          string
	Err              error
}

// Poller drives one checkout from Polling to a terminal state. Status checks are
// sequential; at most one request is in flight at a time.
type Poller struct {
	checkout Checkout
	source   StatusSource
	profiles ProfileRefresher
	cfg      PollerConfig
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	outcome Outcome
	running bool
}

func NewPoller(checkout Checkout, source StatusSource, profiles ProfileRefresher, cfg PollerConfig, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		checkout: checkout,
		source:   source,
		profiles: profiles,
		cfg:      cfg.withDefaults(),
		log:      log.With("checkout", checkout.String()),
		now:      time.Now,
		state:    StateIdle,
	}
}

func (p *Poller) Checkout() Checkout { return p.checkout }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run polls until a terminal state is reached or ctx is cancelled. Cancellation
// returns ctx.Err() and leaves the poller non-terminal. Once terminal, Run returns
// the recorded outcome without contacting the backend.
func (p *Poller) Run(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	if p.state.Terminal() {
		out := p.outcome
		p.mu.Unlock()
		return out, nil
	}
	if p.running {
		p.mu.Unlock()
		return Outcome{}, ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	return p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) (Outcome, error) {
	deadline, hasDeadline := p.checkout.Deadline()
	budgetEnd := p.now().Add(p.cfg.MaxDuration)

	attempts := 0
	consecutiveErrs := 0
	p.transition(StatePolling, Outcome{State: StatePolling})

	for {
		if hasDeadline && !p.now().Before(deadline) {
			return p.finish(Outcome{State: StateExpired, Attempts: attempts, Message: "payment session expired"}), nil
		}
		if !p.now().Before(budgetEnd) || (p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts) {
			return p.finish(Outcome{State: StateUnconfirmed, Attempts: attempts, Message: "payment is still being confirmed, check back later"}), nil
		}

		report, err := p.check(ctx, deadline, hasDeadline)
		attempts++

		switch {
		case ctx.Err() != nil:
			p.log.Info("payment polling stopped", "attempts", attempts)
			return Outcome{State: p.State(), Attempts: attempts}, ctx.Err()
		case err != nil && hasDeadline && !p.now().Before(deadline):
			return p.finish(Outcome{State: StateExpired, Attempts: attempts, Message: "payment session expired"}), nil
		case err != nil:
			consecutiveErrs++
			p.log.Warn("payment status check failed", "err", err, "attempt", attempts, "consecutive", consecutiveErrs)
			if consecutiveErrs >= p.cfg.MaxConsecutiveErrors {
				return p.finish(Outcome{State: StateFailed, Attempts: attempts, Message: "could not check payment status", Err: err}), nil
			}
		default:
			consecutiveErrs = 0
			if out, done := p.evaluate(ctx, report, attempts); done {
				return p.finish(out), nil
			}
		}

		if expired, err := p.wait(ctx, deadline, hasDeadline); err != nil {
			p.log.Info("payment polling stopped", "attempts", attempts)
			return Outcome{State: p.State(), Attempts: attempts}, err
		} else if expired {
			return p.finish(Outcome{State: StateExpired, Attempts: attempts, Message: "payment session expired"}), nil
		}
	}
}

// check issues one status request, cut off by the checkout deadline if any.
func (p *Poller) check(ctx context.Context, deadline time.Time, hasDeadline bool) (*models.PaymentStatusReport, error) {
	checkCtx := ctx
	if hasDeadline {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return p.checkout.checkStatus(checkCtx, p.source)
}

func (p *Poller) evaluate(ctx context.Context, report *models.PaymentStatusReport, attempts int) (Outcome, bool) {
	switch report.Status {
	case models.PaymentCompleted:
		out := Outcome{
			State:            StateCompleted,
			Attempts:         attempts,
			CreditsPurchased: report.CreditsPurchased,
			CreditBalance:    report.CreditBalance,
			Message:          report.Message,
		}
		if p.profiles != nil {
			user, err := p.profiles.RefreshProfile(ctx)
			if err != nil {
				p.log.Warn("refresh profile after payment", "err", err)
			} else if user != nil {
				balance := user.Profile.CreditBalance
				out.CreditBalance = &balance
			}
		}
		return out, true
	case models.PaymentFailed:
		msg := report.Message
		if msg == "" {
			msg = "payment failed"
		}
		return Outcome{State: StateFailed, Attempts: attempts, Message: msg}, true
	case models.PaymentCancelled:
		msg := report.Message
		if msg == "" {
			msg = "payment was cancelled"
		}
		return Outcome{State: StateCancelled, Attempts: attempts, Message: msg}, true
	case models.PaymentPending, models.PaymentProcessing:
		return Outcome{}, false
	default:
		p.log.Warn("unknown payment status, polling on", "status", string(report.Status))
		return Outcome{}, false
	}
}

// wait sleeps one interval. It reports expired when the checkout deadline passes first.
func (p *Poller) wait(ctx context.Context, deadline time.Time, hasDeadline bool) (bool, error) {
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	var expiry <-chan time.Time
	if hasDeadline {
		expiryTimer := time.NewTimer(deadline.Sub(p.now()))
		defer expiryTimer.Stop()
		expiry = expiryTimer.C
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-expiry:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (p *Poller) finish(out Outcome) Outcome {
	p.log.Info("payment polling finished", "state", out.State.String(), "attempts", out.Attempts)
	p.transition(out.State, out)
	return out
}

func (p *Poller) transition(state State, out Outcome) {
	p.mu.Lock()
	p.state = state
	if state.Terminal() {
		p.outcome = out
	}
	p.mu.Unlock()

	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(state, out)
	}
}
