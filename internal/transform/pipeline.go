// Package transform runs an uploaded photo through the backend style transfer and
// reconciles the credit balance afterwards.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/models"
)

var (
	ErrLoginRequired    = errors.New("login required")
	ErrPaywall          = errors.New("no credits left")
	ErrEmptyFile        = errors.New("empty file")
	ErrTooLarge         = errors.New("file too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrUnknownStyle     = errors.New("unknown style")
)

const DefaultStyle = "ghibli"

// Styles lists the presets the backend understands, default first.
var Styles = []string{
	"ghibli",
	"onepiece",
	"cyberpunk",
	"shinchan",
	"solo",
	"pixar",
	"dragonball",
	"manga",
	"minecraft",
}

// NormalizeStyle lowercases s and reports whether it names a known preset.
func NormalizeStyle(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, style := range Styles {
		if style == s {
			return s, true
		}
	}
	return s, false
}

type Backend interface {
	Transform(ctx context.Context, image api.FilePart, style string) (*models.TransformResult, error)
	DownloadImage(ctx context.Context, imageID int64, token string) ([]byte, string, error)
}

// Session is the signed-in user the pipeline charges.
type Session interface {
	User() (*models.User, bool)
	IsAuthenticated() bool
	CreditBalance() int
	SetCreditBalance(balance int)
	RefreshProfile(ctx context.Context) (*models.User, error)
	Logout(ctx context.Context) error
}

type Archiver interface {
	Store(ctx context.Context, userID int64, data []byte, contentType string) (string, error)
}

type Input struct {
	Filename string
	Data     []byte
	Style    string
}

type Result struct {
	ID  int64
	URL string
	// Inline holds the image when the backend answered with a data URI instead of a URL.
	Inline      []byte
	InlineType  string
	IsPaid      bool
	Balance     int
	Upsell      bool
	ArchivedURL string
}

type Pipeline struct {
	api          Backend
	session      Session
	archive      Archiver
	maxBytes     int64
	defaultStyle string
	log          *slog.Logger
}

type Options struct {
	MaxBytes     int64
	DefaultStyle string
	// Archive is optional.
	Archive Archiver
	Log     *slog.Logger
}

func NewPipeline(backend Backend, session Session, opts Options) *Pipeline {
	p := &Pipeline{
		api:          backend,
		session:      session,
		archive:      opts.Archive,
		maxBytes:     opts.MaxBytes,
		defaultStyle: DefaultStyle,
		log:          opts.Log,
	}
	if p.maxBytes <= 0 {
		p.maxBytes = 10 << 20
	}
	if style, ok := NormalizeStyle(opts.DefaultStyle); ok {
		p.defaultStyle = style
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// Preflight runs the checks that need no network. The backend stays authoritative.
func (p *Pipeline) Preflight(in Input) (contentType, style string, err error) {
	if !p.session.IsAuthenticated() {
		return "", "", ErrLoginRequired
	}
	if p.session.CreditBalance() <= 0 {
		return "", "", ErrPaywall
	}
	if len(in.Data) == 0 {
		return "", "", ErrEmptyFile
	}
	if int64(len(in.Data)) > p.maxBytes {
		return "", "", ErrTooLarge
	}

	contentType = http.DetectContentType(in.Data)
	if contentType != "image/jpeg" && contentType != "image/png" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}

	style = p.defaultStyle
	if strings.TrimSpace(in.Style) != "" {
		var ok bool
		if style, ok = NormalizeStyle(in.Style); !ok {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownStyle, style)
		}
	}
	return contentType, style, nil
}

func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	contentType, style, err := p.Preflight(in)
	if err != nil {
		return nil, err
	}

	res, err := p.api.Transform(ctx, api.FilePart{
		Filename:    in.Filename,
		ContentType: contentType,
		Data:        in.Data,
	}, style)
	if err != nil {
		if Classify(err) == CategoryUnauthorized {
			if logoutErr := p.session.Logout(ctx); logoutErr != nil {
				p.log.Error("logout after unauthorized transform", "err", logoutErr)
			}
		}
		return nil, fmt.Errorf("transform: %w", err)
	}

	balance := p.session.CreditBalance()
	if res.UpdatedCreditBalance != nil {
		p.session.SetCreditBalance(*res.UpdatedCreditBalance)
		balance = max(*res.UpdatedCreditBalance, 0)
	}
	// A failed refresh ends the session; the balance the backend reported with the
	// result is still the one this transform left behind.
	if user, err := p.session.RefreshProfile(ctx); err != nil {
		p.log.Warn("refresh profile after transform", "err", err)
	} else {
		balance = user.Profile.CreditBalance
	}

	out := &Result{
		ID:      res.ID,
		URL:     res.ResultURL(),
		IsPaid:  res.IsPaid,
		Balance: balance,
		Upsell:  balance <= 0,
	}
	if data, mime, err := models.DecodeDataURI(out.URL); err == nil {
		out.Inline, out.InlineType, out.URL = data, mime, ""
	}

	if p.archive != nil {
		out.ArchivedURL = p.archiveResult(ctx, res, out)
	}

	p.log.Info("image transformed", "style", style, "result_id", res.ID, "balance", out.Balance)
	return out, nil
}

// archiveResult mirrors the result into the archive. Failures only get logged.
func (p *Pipeline) archiveResult(ctx context.Context, res *models.TransformResult, out *Result) string {
	data, contentType := out.Inline, out.InlineType
	if len(data) == 0 {
		if res.ID == 0 || res.DownloadToken == "" {
			return ""
		}
		var err error
		data, contentType, err = p.api.DownloadImage(ctx, res.ID, res.DownloadToken)
		if err != nil {
			p.log.Warn("download result for archive", "err", err, "result_id", res.ID)
			return ""
		}
	}

	var userID int64
	if user, ok := p.session.User(); ok {
		userID = user.ID
	}
	url, err := p.archive.Store(ctx, userID, data, contentType)
	if err != nil {
		p.log.Warn("archive result", "err", err, "result_id", res.ID)
		return ""
	}
	return url
}
