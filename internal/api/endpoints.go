package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/digkill/ghiblit/internal/models"
)

// GoogleLogin exchanges a Google ID token for a backend session.
func (c *Client) GoogleLogin(ctx context.Context, idToken string) (*models.LoginResult, error) {
	req, err := jsonRequest(http.MethodPost, "api/google-login/", map[string]string{"id_token": idToken})
	if err != nil {
		return nil, err
	}
	req.anonymous = true

	var out models.LoginResult
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Access == "" {
		return nil, fmt.Errorf("empty access token in login response")
	}
	return &out, nil
}

func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: "api/profile/"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transform uploads an image with a style preset as multipart form data.
func (c *Client) Transform(ctx context.Context, image FilePart, style string) (*models.TransformResult, error) {
	image.Field = "image"
	req, err := multipartRequest("api/transform/", map[string]string{"style": style}, image)
	if err != nil {
		return nil, err
	}
	var out models.TransformResult
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecentImages(ctx context.Context, limit int) ([]models.GalleryImage, error) {
	req := request{
		method: http.MethodGet,
		path:   "api/images/recent/",
		query:  url.Values{"limit": []string{strconv.Itoa(limit)}},
	}
	var out []models.GalleryImage
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UserImages(ctx context.Context) ([]models.GalleryImage, error) {
	var out []models.GalleryImage
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: "api/user/images/"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadImage fetches the full resolution result guarded by a download token.
func (c *Client) DownloadImage(ctx context.Context, imageID int64, token string) ([]byte, string, error) {
	req := request{
		method: http.MethodGet,
		path:   fmt.Sprintf("api/images/download/%d/", imageID),
		query:  url.Values{"token": []string{token}},
	}
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return resp.body, resp.header.Get("Content-Type"), nil
}

func (c *Client) Plans(ctx context.Context) ([]models.Plan, error) {
	var out []models.Plan
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: "api/payments/plans/"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePayment starts a hosted-redirect checkout.
func (c *Client) CreatePayment(ctx context.Context, planID int64) (*models.RedirectPaymentResponse, error) {
	req, err := jsonRequest(http.MethodPost, "api/payments/create/", map[string]int64{"plan_id": planID})
	if err != nil {
		return nil, err
	}
	var out models.RedirectPaymentResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.PaymentID == 0 || out.PaymentURL == "" {
		return nil, fmt.Errorf("invalid create payment response (missing payment_id or payment_url)")
	}
	return &out, nil
}

func (c *Client) PaymentStatus(ctx context.Context, paymentID int64) (*models.PaymentStatusReport, error) {
	var out models.PaymentStatusReport
	req := request{method: http.MethodGet, path: fmt.Sprintf("api/payments/%d/status/", paymentID)}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateManualSession starts a UPI checkout that the user settles by screenshot.
func (c *Client) CreateManualSession(ctx context.Context, planID int64) (*models.ManualSessionResponse, error) {
	req, err := jsonRequest(http.MethodPost, "api/payments/sessions/create/", map[string]int64{"plan_id": planID})
	if err != nil {
		return nil, err
	}
	var out models.ManualSessionResponse
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == 0 {
		return nil, fmt.Errorf("invalid payment session response (missing session_id)")
	}
	return &out, nil
}

func (c *Client) ManualSessionStatus(ctx context.Context, sessionID int64) (*models.PaymentStatusReport, error) {
	var out models.PaymentStatusReport
	req := request{method: http.MethodGet, path: fmt.Sprintf("api/payments/sessions/%d/status/", sessionID)}
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyManualPayment(ctx context.Context, sessionID int64, screenshot FilePart) (*models.VerificationResult, error) {
	screenshot.Field = "screenshot"
	req, err := multipartRequest(fmt.Sprintf("api/payments/sessions/%d/verify/", sessionID), nil, screenshot)
	if err != nil {
		return nil, err
	}
	var out models.VerificationResult
	if err := c.doJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PaymentHistory(ctx context.Context) ([]models.PaymentRecord, error) {
	var out []models.PaymentRecord
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: "api/payments/history/"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
