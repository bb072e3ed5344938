package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/digkill/ghiblit/internal/models"
)

// StatusSource reports the backend status of either checkout flow.
type StatusSource interface {
	PaymentStatus(ctx context.Context, paymentID int64) (*models.PaymentStatusReport, error)
	ManualSessionStatus(ctx context.Context, sessionID int64) (*models.PaymentStatusReport, error)
}

// Checkout is one payment attempt. It is either a *RedirectCheckout or a
// *ManualUPICheckout; the unexported method keeps the set closed.
type Checkout interface {
	// ID is the backend identifier polled for status.
	ID() int64
	// Deadline returns the wall-clock expiry, if the flow has one.
	Deadline() (time.Time, bool)
	String() string

	checkStatus(ctx context.Context, src StatusSource) (*models.PaymentStatusReport, error)
}

// RedirectCheckout is settled on a hosted payment page.
type RedirectCheckout struct {
	PaymentID  int64
	PaymentURL string
}

func (c *RedirectCheckout) ID() int64 { return c.PaymentID }

// Deadline is never set: the hosted flow only ends through a backend status or the
// poll budget.
func (c *RedirectCheckout) Deadline() (time.Time, bool) { return time.Time{}, false }

func (c *RedirectCheckout) String() string {
	return fmt.Sprintf("redirect payment %d", c.PaymentID)
}

func (c *RedirectCheckout) checkStatus(ctx context.Context, src StatusSource) (*models.PaymentStatusReport, error) {
	return src.PaymentStatus(ctx, c.PaymentID)
}

// ManualUPICheckout is settled by paying a UPI request and uploading a screenshot
// before ExpiresAt.
type ManualUPICheckout struct {
	SessionID     int64
	Amount        float64
	PlanName      string
	UPILink       string
	QRCodeData    string
	ReferenceCode string
	ExpiresAt     time.Time
}

func newManualCheckout(resp *models.ManualSessionResponse) *ManualUPICheckout {
	return &ManualUPICheckout{
		SessionID:     resp.SessionID,
		Amount:        resp.Amount.Float64(),
		PlanName:      resp.PlanName,
		UPILink:       resp.UPILink,
		QRCodeData:    resp.QRCodeData,
		ReferenceCode: resp.ReferenceCode,
		ExpiresAt:     resp.ExpiresAt,
	}
}

func (c *ManualUPICheckout) ID() int64 { return c.SessionID }

func (c *ManualUPICheckout) Deadline() (time.Time, bool) {
	return c.ExpiresAt, !c.ExpiresAt.IsZero()
}

func (c *ManualUPICheckout) String() string {
	return fmt.Sprintf("manual upi session %d", c.SessionID)
}

// Expired reports whether the session can no longer be paid.
func (c *ManualUPICheckout) Expired(now time.Time) bool {
	deadline, ok := c.Deadline()
	return ok && !now.Before(deadline)
}

func (c *ManualUPICheckout) checkStatus(ctx context.Context, src StatusSource) (*models.PaymentStatusReport, error) {
	return src.ManualSessionStatus(ctx, c.SessionID)
}
