package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decimal is a money amount. The backend serializes decimals as strings ("99.00"),
// older endpoints as plain numbers; both decode.
type Decimal float64

func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*d = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("decode decimal %s: %w", data, err)
	}
	*d = Decimal(v)
	return nil
}

func (d Decimal) Float64() float64 { return float64(d) }

// GalleryImage is one "recent creation" shown in the community gallery.
type GalleryImage struct {
	ID        int64      `json:"id"`
	Original  *string    `json:"original"`
	Processed *string    `json:"processed"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ProcessedURL returns the processed image URL or an empty string.
func (g GalleryImage) ProcessedURL() string {
	if g.Processed == nil {
		return ""
	}
	return *g.Processed
}

type Profile struct {
	CreditBalance     int  `json:"credit_balance"`
	FreeTransformUsed bool `json:"free_transform_used"`
}

type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Region    string  `json:"region,omitempty"`
	Profile   Profile `json:"profile"`
}

// DisplayName mirrors what the web client showed in its header.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

type LoginResult struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    User   `json:"user"`
}

type TransformResult struct {
	ID                   int64     `json:"id,omitempty"`
	ImageURL             *string   `json:"image_url"`
	PreviewURL           *string   `json:"preview_url"`
	IsPaid               bool      `json:"is_paid"`
	CreatedAt            time.Time `json:"created_at"`
	DownloadToken        string    `json:"download_token,omitempty"`
	UpdatedCreditBalance *int      `json:"updated_credit_balance,omitempty"`
}

// ResultURL prefers the full image and falls back to the preview.
func (t TransformResult) ResultURL() string {
	if t.ImageURL != nil && *t.ImageURL != "" {
		return *t.ImageURL
	}
	if t.PreviewURL != nil {
		return *t.PreviewURL
	}
	return ""
}

type Plan struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Credits  int     `json:"credits"`
	PriceINR Decimal `json:"price_inr,omitempty"`
	PriceUSD Decimal `json:"price_usd,omitempty"`
	Region   string  `json:"region,omitempty"`
	IsActive bool    `json:"is_active"`
}

// PaymentStatus is the backend's view of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// Terminal reports whether no further transition can follow this status.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentCancelled:
		return true
	default:
		return false
	}
}

type PaymentStatusReport struct {
	PaymentID        int64         `json:"payment_id,omitempty"`
	Status           PaymentStatus `json:"status"`
	CreditsPurchased int           `json:"credits_purchased,omitempty"`
	CreditBalance    *int          `json:"credit_balance,omitempty"`
	Message          string        `json:"message,omitempty"`
}

type RedirectPaymentResponse struct {
	PaymentID  int64  `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

type ManualSessionResponse struct {
	SessionID     int64     `json:"session_id"`
	Amount        Decimal   `json:"amount"`
	PlanName      string    `json:"plan_name"`
	ExpiresAt     time.Time `json:"expires_at"`
	UPILink       string    `json:"upi_link"`
	QRCodeData    string    `json:"qr_code_data"`
	ReferenceCode string    `json:"reference_code,omitempty"`
}

type VerificationResult struct {
	Message      string `json:"message"`
	CreditsAdded int    `json:"credits_added,omitempty"`
	TotalCredits int    `json:"total_credits,omitempty"`
}

type PaymentRecord struct {
	ID               int64         `json:"id"`
	Amount           Decimal       `json:"amount"`
	Currency         string        `json:"currency"`
	CreditsPurchased int           `json:"credits_purchased"`
	Status           PaymentStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}

var ErrNotDataURI = errors.New("not a base64 data uri")

// DecodeDataURI decodes "data:<mime>;base64,<payload>" values the backend uses for
// QR codes and inline previews.
func DecodeDataURI(value string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(value, "data:")
	if !ok {
		return nil, "", ErrNotDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", ErrNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

// CheckoutRecord is one row of the local checkout journal.
type CheckoutRecord struct {
	ID         int64      `json:"id"`
	ChatID     int64      `json:"chat_id"`
	Kind       string     `json:"kind"`
	ExternalID int64      `json:"external_id"`
	State      string     `json:"state"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
