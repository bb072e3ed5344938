package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/credentials"
	"github.com/digkill/ghiblit/internal/payment"
	"github.com/digkill/ghiblit/internal/session"
	"github.com/digkill/ghiblit/internal/transform"
)

// CredentialsFactory opens the credential storage of one chat.
type CredentialsFactory func(chatID int64) (credentials.Store, error)

// Chat is everything one Telegram chat needs to act as a signed-in client.
type Chat struct {
	ID        int64
	API       *api.Client
	Session   *session.Store
	Transform *transform.Pipeline
	Payments  *payment.Service
}

type ChatManager struct {
	cfg     config.Config
	log     *slog.Logger
	creds   CredentialsFactory
	archive transform.Archiver

	mu     sync.Mutex
	chats  map[int64]*Chat
	styles map[int64]string
}

func NewChatManager(cfg config.Config, log *slog.Logger, creds CredentialsFactory, archive transform.Archiver) *ChatManager {
	return &ChatManager{
		cfg:     cfg,
		log:     log,
		creds:   creds,
		archive: archive,
		chats:   make(map[int64]*Chat),
		styles:  make(map[int64]string),
	}
}

// Get returns the chat context, building it and restoring a persisted session on first
// use.
func (m *ChatManager) Get(ctx context.Context, chatID int64) (*Chat, error) {
	m.mu.Lock()
	chat, ok := m.chats[chatID]
	m.mu.Unlock()
	if ok {
		return chat, nil
	}

	chat, err := m.build(chatID)
	if err != nil {
		return nil, err
	}
	if _, err := chat.Session.Restore(ctx); err != nil && !errors.Is(err, session.ErrNotAuthenticated) {
		m.log.Warn("restore session", "chat_id", chatID, "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chats[chatID]; ok {
		return existing, nil
	}
	m.chats[chatID] = chat
	return chat, nil
}

func (m *ChatManager) build(chatID int64) (*Chat, error) {
	store, err := m.creds(chatID)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	log := m.log.With("chat_id", chatID)

	client, err := api.NewClient(m.cfg, store, log)
	if err != nil {
		return nil, err
	}
	sess := session.NewStore(client, store, log)

	return &Chat{
		ID:      chatID,
		API:     client,
		Session: sess,
		Transform: transform.NewPipeline(client, sess, transform.Options{
			MaxBytes:     m.cfg.MaxUploadBytes,
			DefaultStyle: m.cfg.DefaultStyle,
			Archive:      m.archive,
			Log:          log,
		}),
		Payments: payment.NewService(client, sess, payment.PollerConfig{
			Interval:             m.cfg.PaymentPollInterval,
			MaxDuration:          m.cfg.PaymentPollMaxDuration,
			MaxConsecutiveErrors: m.cfg.PaymentPollMaxErrors,
		}, log),
	}, nil
}

// Style returns the preset picked in the chat, or the configured default.
func (m *ChatManager) Style(chatID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if style, ok := m.styles[chatID]; ok {
		return style
	}
	if style, ok := transform.NormalizeStyle(m.cfg.DefaultStyle); ok {
		return style
	}
	return transform.DefaultStyle
}

func (m *ChatManager) SetStyle(chatID int64, style string) error {
	style, ok := transform.NormalizeStyle(style)
	if !ok {
		return fmt.Errorf("%w: %s", transform.ErrUnknownStyle, style)
	}
	m.mu.Lock()
	m.styles[chatID] = style
	m.mu.Unlock()
	return nil
}
