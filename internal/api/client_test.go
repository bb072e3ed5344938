package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/credentials"
)

func newTestClient(t *testing.T, srv *httptest.Server, store credentials.Store) *Client {
	t.Helper()
	c, err := NewClient(config.Config{APIBaseURL: srv.URL}, store, nil)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RejectsRelativeBase(t *testing.T) {
	_, err := NewClient(config.Config{APIBaseURL: "not-a-url"}, credentials.NewMemoryStore(), nil)
	require.Error(t, err)
}

func TestClient_AttachesBearer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/profile/", r.URL.Path)
		assert.Equal(t, "Bearer acc", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "email": "a@b.c", "profile": map[string]any{"credit_balance": 3}})
	}))
	defer srv.Close()

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), credentials.Tokens{Access: "acc", Refresh: "ref"}))

	user, err := newTestClient(t, srv, store).Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, 3, user.Profile.CreditBalance)
}

func TestClient_RefreshesOnceAndReplays(t *testing.T) {
	t.Parallel()
	var refreshCalls, profileCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token/refresh/":
			refreshCalls.Add(1)
			assert.Empty(t, r.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ref", body["refresh"])
			writeJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
		case "/api/profile/":
			profileCalls.Add(1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token expired"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": 1})
		}
	}))
	defer srv.Close()

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), credentials.Tokens{Access: "stale", Refresh: "ref"}))

	_, err := newTestClient(t, srv, store).Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), profileCalls.Load())

	tokens, _ := store.Load(context.Background())
	assert.Equal(t, credentials.Tokens{Access: "fresh", Refresh: "ref"}, tokens)
}

func TestClient_SecondUnauthorizedIsNotRefreshedAgain(t *testing.T) {
	t.Parallel()
	var refreshCalls, profileCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token/refresh/":
			refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
		default:
			profileCalls.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "nope"})
		}
	}))
	defer srv.Close()

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), credentials.Tokens{Access: "stale", Refresh: "ref"}))

	_, err := newTestClient(t, srv, store).Profile(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), profileCalls.Load())
}

func TestClient_FailedRefreshClearsCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "refresh expired"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "access expired"})
	}))
	defer srv.Close()

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), credentials.Tokens{Access: "stale", Refresh: "ref"}))

	_, err := newTestClient(t, srv, store).Profile(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "api/profile/", apiErr.Path, "the original error is propagated")
	assert.Equal(t, "access expired", apiErr.Message)

	tokens, _ := store.Load(context.Background())
	assert.True(t, tokens.Empty())
}

func TestClient_NoRefreshTokenReturnsUnauthorized(t *testing.T) {
	t.Parallel()
	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			refreshCalls.Add(1)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, credentials.NewMemoryStore()).Profile(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Zero(t, refreshCalls.Load())
}

func TestClient_LogoutDuringRefreshWins(t *testing.T) {
	t.Parallel()
	store := credentials.NewMemoryStore()
	var profileCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			// the user logs out while the refresh is in flight
			require.NoError(t, store.Clear(context.Background()))
			writeJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
			return
		}
		profileCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	require.NoError(t, store.Save(context.Background(), credentials.Tokens{Access: "stale", Refresh: "ref"}))

	_, err := newTestClient(t, srv, store).Profile(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), profileCalls.Load(), "no replay after logout")

	tokens, _ := store.Load(context.Background())
	assert.True(t, tokens.Empty())
}

func TestClient_TransformSendsMultipart(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/transform/", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data; boundary="))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "ghibli", r.FormValue("style"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "photo.jpg", header.Filename)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		assert.Equal(t, []byte("jpegdata"), data)

		writeJSON(w, http.StatusCreated, map[string]any{"preview_url": "https://x/y.jpg", "updated_credit_balance": 2, "is_paid": true})
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv, credentials.NewMemoryStore()).Transform(context.Background(), FilePart{
		Filename:    "photo.jpg",
		ContentType: "image/jpeg",
		Data:        []byte("jpegdata"),
	}, "ghibli")
	require.NoError(t, err)
	assert.Equal(t, "https://x/y.jpg", res.ResultURL())
	require.NotNil(t, res.UpdatedCreditBalance)
	assert.Equal(t, 2, *res.UpdatedCreditBalance)
}

func TestClient_ErrorBodyMessage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "No credits available."})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, credentials.NewMemoryStore()).Transform(context.Background(), FilePart{Filename: "a.png", Data: []byte("x")}, "ghibli")
	require.Error(t, err)
	assert.Equal(t, http.StatusPaymentRequired, StatusCode(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "No credits available.", apiErr.Message)
}

func TestClient_NetworkErrorPropagates(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, credentials.NewMemoryStore())
	srv.Close()

	_, err := c.RecentImages(context.Background(), 12)
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
}

func TestClient_RecentImagesAndDownload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/images/recent/":
			assert.Equal(t, "12", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "original": "o1", "processed": "p1"}, {"id": 2, "original": nil, "processed": nil}})
		case "/api/images/download/5/":
			assert.Equal(t, "tok", r.URL.Query().Get("token"))
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("pngbytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, credentials.NewMemoryStore())
	images, err := c.RecentImages(context.Background(), 12)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "p1", images[0].ProcessedURL())
	assert.Nil(t, images[1].Processed)

	data, ct, err := c.DownloadImage(context.Background(), 5, "tok")
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)
	assert.Equal(t, "image/png", ct)
}

func TestClient_PaymentEndpoints(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/payments/create/":
			var body map[string]int64
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, int64(3), body["plan_id"])
			writeJSON(w, http.StatusCreated, map[string]any{"payment_id": 11, "payment_url": "https://pay/11"})
		case "/api/payments/11/status/":
			writeJSON(w, http.StatusOK, map[string]any{"payment_id": 11, "status": "completed", "credits_purchased": 20})
		case "/api/payments/sessions/create/":
			writeJSON(w, http.StatusCreated, map[string]any{"session_id": 9, "amount": "99.00", "plan_name": "Starter", "expires_at": "2030-01-01T00:00:00Z", "upi_link": "upi://pay"})
		case "/api/payments/sessions/9/verify/":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_, _, err := r.FormFile("screenshot")
			require.NoError(t, err)
			writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "credits_added": 20, "total_credits": 25})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(t, srv, credentials.NewMemoryStore())

	created, err := c.CreatePayment(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(11), created.PaymentID)

	report, err := c.PaymentStatus(ctx, 11)
	require.NoError(t, err)
	assert.True(t, report.Status.Terminal())
	assert.Equal(t, 20, report.CreditsPurchased)

	session, err := c.CreateManualSession(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), session.SessionID)
	assert.Equal(t, 99.0, session.Amount.Float64())
	assert.Equal(t, 2030, session.ExpiresAt.Year())

	verified, err := c.VerifyManualPayment(ctx, 9, FilePart{Filename: "s.png", ContentType: "image/png", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 25, verified.TotalCredits)
}

func TestClient_DecodesDecimalStrings(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/payments/plans/":
			_, _ = io.WriteString(w, `[{"id":1,"name":"Starter","credits":20,"price_inr":"99.00","price_usd":"1.49","is_active":true},`+
				`{"id":2,"name":"Pro","credits":100,"price_inr":499,"price_usd":null,"is_active":true}]`)
		case "/api/payments/history/":
			_, _ = io.WriteString(w, `[{"id":5,"amount":"99.00","currency":"inr","credits_purchased":20,"status":"completed","created_at":"2025-01-01T00:00:00Z"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(t, srv, credentials.NewMemoryStore())

	plans, err := c.Plans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 99.0, plans[0].PriceINR.Float64())
	assert.Equal(t, 1.49, plans[0].PriceUSD.Float64())
	assert.Equal(t, 499.0, plans[1].PriceINR.Float64())
	assert.Zero(t, plans[1].PriceUSD)

	history, err := c.PaymentHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 99.0, history[0].Amount.Float64())
}
