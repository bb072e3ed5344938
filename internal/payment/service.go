// Package payment implements the two checkout flows and the status poller that waits
// for a checkout to settle.
package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/models"
)

var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrCheckoutExpired = errors.New("payment session expired")
)

// API is the slice of the backend client the payment flows use.
type API interface {
	StatusSource
	Plans(ctx context.Context) ([]models.Plan, error)
	CreatePayment(ctx context.Context, planID int64) (*models.RedirectPaymentResponse, error)
	CreateManualSession(ctx context.Context, planID int64) (*models.ManualSessionResponse, error)
	VerifyManualPayment(ctx context.Context, sessionID int64, screenshot api.FilePart) (*models.VerificationResult, error)
	PaymentHistory(ctx context.Context) ([]models.PaymentRecord, error)
}

type Service struct {
	api      API
	profiles ProfileRefresher
	cfg      PollerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewService(backend API, profiles ProfileRefresher, cfg PollerConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		api:      backend,
		profiles: profiles,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Plans returns the active plans in backend order.
func (s *Service) Plans(ctx context.Context) ([]models.Plan, error) {
	plans, err := s.api.Plans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	active := make([]models.Plan, 0, len(plans))
	for _, p := range plans {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

func (s *Service) plan(ctx context.Context, planID int64) (*models.Plan, error) {
	plans, err := s.Plans(ctx)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if plans[i].ID == planID {
			return &plans[i], nil
		}
	}
	return nil, ErrPlanNotFound
}

func (s *Service) StartRedirect(ctx context.Context, planID int64) (*RedirectCheckout, error) {
	if _, err := s.plan(ctx, planID); err != nil {
		return nil, err
	}
	resp, err := s.api.CreatePayment(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.log.Info("redirect checkout created", "payment_id", resp.PaymentID, "plan_id", planID)
	return &RedirectCheckout{PaymentID: resp.PaymentID, PaymentURL: resp.PaymentURL}, nil
}

func (s *Service) StartManual(ctx context.Context, planID int64) (*ManualUPICheckout, error) {
	if _, err := s.plan(ctx, planID); err != nil {
		return nil, err
	}
	resp, err := s.api.CreateManualSession(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}
	s.log.Info("manual checkout created", "session_id", resp.SessionID, "plan_id", planID, "expires_at", resp.ExpiresAt)
	return newManualCheckout(resp), nil
}

// NewPoller builds a poller for checkout. onTransition may be nil.
func (s *Service) NewPoller(checkout Checkout, onTransition func(State, Outcome)) *Poller {
	cfg := s.cfg
	cfg.OnTransition = onTransition
	p := NewPoller(checkout, s.api, s.profiles, cfg, s.log)
	p.now = s.now
	return p
}

// Verify submits the payment screenshot of a manual session that has not expired yet.
func (s *Service) Verify(ctx context.Context, checkout *ManualUPICheckout, screenshot api.FilePart) (*models.VerificationResult, error) {
	if checkout.Expired(s.now()) {
		return nil, ErrCheckoutExpired
	}
	res, err := s.api.VerifyManualPayment(ctx, checkout.SessionID, screenshot)
	if err != nil {
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if s.profiles != nil {
		if _, err := s.profiles.RefreshProfile(ctx); err != nil {
			s.log.Warn("refresh profile after verification", "err", err)
		}
	}
	return res, nil
}

func (s *Service) History(ctx context.Context) ([]models.PaymentRecord, error) {
	records, err := s.api.PaymentHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment history: %w", err)
	}
	return records, nil
}
