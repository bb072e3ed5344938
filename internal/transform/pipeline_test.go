package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/credentials"
	"github.com/digkill/ghiblit/internal/session"
)

var (
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 64)...)
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
)

type backend struct {
	balance        atomic.Int64
	profileStatus  atomic.Int32
	transformCalls atomic.Int32
	transform      func(w http.ResponseWriter, r *http.Request)
}

func (b *backend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/profile/", func(w http.ResponseWriter, r *http.Request) {
		if status := b.profileStatus.Load(); status != 0 {
			writeJSON(w, int(status), map[string]any{"detail": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      5,
			"email":   "user@example.com",
			"profile": map[string]any{"credit_balance": b.balance.Load()},
		})
	})
	mux.HandleFunc("/api/transform/", func(w http.ResponseWriter, r *http.Request) {
		b.transformCalls.Add(1)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		b.transform(w, r)
	})
	mux.HandleFunc("/api/images/download/77/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fixture struct {
	backend *backend
	creds   *credentials.MemoryStore
	session *session.Store
	client  *api.Client
}

func newFixture(t *testing.T, balance int64, transform func(w http.ResponseWriter, r *http.Request)) *fixture {
	t.Helper()
	b := &backend{transform: transform}
	b.balance.Store(balance)
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)

	creds := credentials.NewMemoryStore()
	require.NoError(t, creds.Save(context.Background(), credentials.Tokens{Access: "acc", Refresh: "ref"}))

	client, err := api.NewClient(config.Config{APIBaseURL: srv.URL}, creds, nil)
	require.NoError(t, err)

	s := session.NewStore(client, creds, nil)
	_, err = s.Restore(context.Background())
	require.NoError(t, err)

	return &fixture{backend: b, creds: creds, session: s, client: client}
}

func TestRun_SuccessfulTransform(t *testing.T) {
	var f *fixture
	f = newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ghibli", r.FormValue("style"))
		f.backend.balance.Store(2)
		writeJSON(w, http.StatusCreated, map[string]any{
			"preview_url":            "https://x/y.jpg",
			"updated_credit_balance": 2,
		})
	})
	require.Equal(t, 3, f.session.CreditBalance())

	p := NewPipeline(f.client, f.session, Options{})
	res, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes, Style: "ghibli"})
	require.NoError(t, err)

	assert.Equal(t, "https://x/y.jpg", res.URL)
	assert.Equal(t, 2, res.Balance)
	assert.Equal(t, 2, f.session.CreditBalance())
	assert.False(t, res.Upsell)
}

func TestRun_BalanceFromResultWhenProfileRefreshFails(t *testing.T) {
	var f *fixture
	f = newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		f.backend.profileStatus.Store(http.StatusServiceUnavailable)
		writeJSON(w, http.StatusCreated, map[string]any{
			"preview_url":            "https://x/y.jpg",
			"updated_credit_balance": 2,
		})
	})

	p := NewPipeline(f.client, f.session, Options{})
	res, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Balance)
	assert.False(t, res.Upsell)
	assert.False(t, f.session.IsAuthenticated(), "failed refresh ends the session")
}

func TestRun_ZeroCreditsMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, 0, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transform endpoint must not be called")
	})

	p := NewPipeline(f.client, f.session, Options{})
	_, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.ErrorIs(t, err, ErrPaywall)
	assert.Equal(t, CategoryPaymentRequired, Classify(err))
	assert.Zero(t, f.backend.transformCalls.Load())
}

func TestRun_UpsellWhenLastCreditSpent(t *testing.T) {
	var f *fixture
	f = newFixture(t, 1, func(w http.ResponseWriter, r *http.Request) {
		f.backend.balance.Store(0)
		writeJSON(w, http.StatusCreated, map[string]any{"image_url": "https://x/full.png", "updated_credit_balance": 0, "is_paid": true})
	})

	p := NewPipeline(f.client, f.session, Options{})
	res, err := p.Run(context.Background(), Input{Filename: "p.png", Data: pngBytes, Style: "Pixar"})
	require.NoError(t, err)
	assert.True(t, res.Upsell)
	assert.True(t, res.IsPaid)
	assert.Equal(t, "https://x/full.png", res.URL)
}

func TestRun_BackendErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		want   Category
	}{
		{http.StatusPaymentRequired, CategoryPaymentRequired},
		{http.StatusRequestEntityTooLarge, CategoryTooLarge},
		{http.StatusUnsupportedMediaType, CategoryUnsupportedMedia},
		{http.StatusInternalServerError, CategoryGeneric},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]string{"error": "nope"})
			})
			p := NewPipeline(f.client, f.session, Options{})

			_, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
			require.Error(t, err)
			assert.Equal(t, tc.want, Classify(err))
			assert.NotEmpty(t, Classify(err).Message())
			assert.True(t, f.session.IsAuthenticated())
		})
	}
}

func TestRun_UnauthorizedEndsSession(t *testing.T) {
	f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	})
	require.NoError(t, f.creds.Save(context.Background(), credentials.Tokens{Access: "acc"}))

	p := NewPipeline(f.client, f.session, Options{})
	_, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.Error(t, err)
	assert.Equal(t, CategoryUnauthorized, Classify(err))
	assert.False(t, f.session.IsAuthenticated())

	tokens, _ := f.creds.Load(context.Background())
	assert.True(t, tokens.Empty())
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {})
	p := NewPipeline(f.client, f.session, Options{MaxBytes: 128, DefaultStyle: "manga"})

	_, style, err := p.Preflight(Input{Data: jpegBytes})
	require.NoError(t, err)
	assert.Equal(t, "manga", style)

	_, _, err = p.Preflight(Input{})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, _, err = p.Preflight(Input{Data: append(jpegBytes, make([]byte, 128)...)})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = p.Preflight(Input{Data: []byte("GIF89a........")})
	assert.ErrorIs(t, err, ErrUnsupportedMedia)

	_, _, err = p.Preflight(Input{Data: pngBytes, Style: "vaporwave"})
	assert.ErrorIs(t, err, ErrUnknownStyle)
	assert.Equal(t, CategoryInvalidInput, Classify(err))

	require.NoError(t, f.session.Logout(context.Background()))
	_, _, err = p.Preflight(Input{Data: jpegBytes})
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, CategoryUnauthorized, Classify(err))
}

type fakeArchive struct {
	userID      int64
	data        []byte
	contentType string
	err         error
}

func (a *fakeArchive) Store(_ context.Context, userID int64, data []byte, contentType string) (string, error) {
	a.userID, a.data, a.contentType = userID, data, contentType
	if a.err != nil {
		return "", a.err
	}
	return "https://cdn.example.com/r.png", nil
}

func TestRun_InlineResultIsDecodedAndArchived(t *testing.T) {
	inline := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"preview_url": inline, "updated_credit_balance": 2})
	})
	archive := &fakeArchive{}

	p := NewPipeline(f.client, f.session, Options{Archive: archive})
	res, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.NoError(t, err)

	assert.Empty(t, res.URL)
	assert.Equal(t, pngBytes, res.Inline)
	assert.Equal(t, "image/png", res.InlineType)
	assert.Equal(t, "https://cdn.example.com/r.png", res.ArchivedURL)
	assert.Equal(t, int64(5), archive.userID)
	assert.Equal(t, pngBytes, archive.data)
}

func TestRun_ArchiveDownloadsByToken(t *testing.T) {
	f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": 77, "download_token": "tok", "preview_url": "https://x/p.jpg"})
	})
	archive := &fakeArchive{}

	p := NewPipeline(f.client, f.session, Options{Archive: archive})
	res, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/r.png", res.ArchivedURL)
	assert.Equal(t, "image/png", archive.contentType)
}

func TestRun_ArchiveFailureIsNotFatal(t *testing.T) {
	inline := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	f := newFixture(t, 3, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"preview_url": inline})
	})

	p := NewPipeline(f.client, f.session, Options{Archive: &fakeArchive{err: errors.New("bucket gone")}})
	res, err := p.Run(context.Background(), Input{Filename: "photo.jpg", Data: jpegBytes})
	require.NoError(t, err)
	assert.Empty(t, res.ArchivedURL)
}

func TestNormalizeStyle(t *testing.T) {
	style, ok := NormalizeStyle("  OnePiece ")
	assert.True(t, ok)
	assert.Equal(t, "onepiece", style)

	_, ok = NormalizeStyle("watercolor")
	assert.False(t, ok)
	assert.Equal(t, DefaultStyle, Styles[0])
}
