package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/gallery"
	"github.com/digkill/ghiblit/internal/payment"
	"github.com/digkill/ghiblit/internal/transform"
)

var errNotImage = errors.New("not an image")

const stylePrefix = "style:"

type Bot struct {
	cfg          config.Config
	api          *tgbotapi.BotAPI
	log          *slog.Logger
	chats        *ChatManager
	gallery      *gallery.Cache
	watches      *payment.Registry
	limiter      *chatLimiter
	httpClient   *http.Client
	fileEndpoint string
}

func NewBot(cfg config.Config, botAPI *tgbotapi.BotAPI, log *slog.Logger, chats *ChatManager, galleryCache *gallery.Cache, watches *payment.Registry) *Bot {
	return &Bot{
		cfg:          cfg,
		api:          botAPI,
		log:          log,
		chats:        chats,
		gallery:      galleryCache,
		watches:      watches,
		limiter:      newChatLimiter(cfg.TransformsPerMinute, cfg.TransformBurst),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		fileEndpoint: tgbotapi.FileEndpoint,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if len(msg.Photo) > 0 || msg.Document != nil {
		if checkout, ok := b.watches.Current(chatID); ok {
			if manual, ok := checkout.(*payment.ManualUPICheckout); ok {
				b.handleScreenshot(ctx, msg, manual)
				return
			}
		}
		b.handleImage(ctx, msg)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	b.sendText(chatID, "Send me a photo to transform it, or use /help to see what I can do.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		b.handleStart(ctx, chatID)
	case "login":
		b.handleLogin(ctx, chatID, args)
	case "logout":
		b.handleLogout(ctx, chatID)
	case "balance":
		b.handleBalance(ctx, chatID)
	case "style":
		b.handleStyle(chatID, args)
	case "gallery":
		b.handleGallery(ctx, chatID)
	case "myimages":
		b.handleMyImages(ctx, chatID)
	case "plans":
		b.handlePlans(ctx, chatID)
	case "buy":
		b.handleBuy(ctx, chatID, args)
	case "upi":
		b.handleUPI(ctx, chatID, args)
	case "cancel":
		b.handleCancel(chatID)
	case "history":
		b.handleHistory(ctx, chatID)
	default:
		b.sendText(chatID, "Unknown command. Use /help.")
	}
}

func (b *Bot) handleCallback(_ context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if style, ok := strings.CutPrefix(cb.Data, stylePrefix); ok {
		if err := b.chats.SetStyle(chatID, style); err != nil {
			b.ack(cb.ID, "Unknown style")
			return
		}
		b.ack(cb.ID, "Style selected")
		b.sendText(chatID, fmt.Sprintf("Style set to %s. Now send me a photo.", style))
		return
	}
	b.ack(cb.ID, "Unknown choice")
}

// chat loads the chat context or tells the user that something went wrong.
func (b *Bot) chat(ctx context.Context, chatID int64) (*Chat, bool) {
	chat, err := b.chats.Get(ctx, chatID)
	if err != nil {
		b.log.Error("load chat", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Something went wrong on our side. Please try again later.")
		return nil, false
	}
	return chat, true
}

// authedChat is chat plus the login check shared by every account command.
func (b *Bot) authedChat(ctx context.Context, chatID int64) (*Chat, bool) {
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return nil, false
	}
	if !chat.Session.IsAuthenticated() {
		b.sendText(chatID, "Please log in first with /login.")
		return nil, false
	}
	return chat, true
}

// replyError maps an API failure to a message. An expired session ends the login.
func (b *Bot) replyError(ctx context.Context, chat *Chat, err error, what string) {
	if api.IsUnauthorized(err) {
		if logoutErr := chat.Session.Logout(ctx); logoutErr != nil {
			b.log.Error("logout after unauthorized", "err", logoutErr)
		}
		b.sendText(chat.ID, transform.CategoryUnauthorized.Message())
		return
	}
	b.log.Error(what, "chat_id", chat.ID, "err", err)
	b.sendText(chat.ID, fmt.Sprintf("Could not %s right now. Please try again.", what))
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf(b.fileEndpoint, b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

// messageFile picks the largest photo size or an image document out of msg.
func messageFile(msg *tgbotapi.Message) (fileID, filename string, err error) {
	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		return photo.FileID, "photo.jpg", nil
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return "", "", errNotImage
		}
		name := msg.Document.FileName
		if name == "" {
			name = "image"
		}
		return msg.Document.FileID, name, nil
	default:
		return "", "", errNotImage
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) ack(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errNotImage
	}
}
