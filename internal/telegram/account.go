package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/ghiblit/internal/transform"
)

const googleAuthEndpoint = "https://accounts.google.com/o/oauth2/v2/auth"

// googleSignInURL builds an implicit-flow link that returns an ID token to redirectURL.
// The chat id travels in state so the redirect page can hand the token back to the bot.
func googleSignInURL(clientID, redirectURL string, chatID int64) (string, error) {
	if clientID == "" || redirectURL == "" {
		return "", errors.New("google sign-in is not configured")
	}
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("response_type", "id_token")
	q.Set("scope", "openid email profile")
	q.Set("nonce", uuid.NewString())
	q.Set("state", strconv.FormatInt(chatID, 10))
	return googleAuthEndpoint + "?" + q.Encode(), nil
}

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return
	}

	var sb strings.Builder
	if user, ok := chat.Session.User(); ok {
		fmt.Fprintf(&sb, "Welcome back, %s! You have %d credits.\n\n", user.DisplayName(), user.Profile.CreditBalance)
	} else {
		sb.WriteString("Hi! I turn your photos into Ghibli style art and more.\n\n")
	}
	sb.WriteString("Commands:\n")
	sb.WriteString("/login - sign in with Google\n")
	sb.WriteString("/style - pick a style preset\n")
	sb.WriteString("/balance - show your credits\n")
	sb.WriteString("/gallery - recent community creations\n")
	sb.WriteString("/myimages - your transformed images\n")
	sb.WriteString("/plans - credit packs\n")
	sb.WriteString("/buy <plan_id> - pay by card\n")
	sb.WriteString("/upi <plan_id> - pay by UPI\n")
	sb.WriteString("/cancel - stop tracking a payment\n")
	sb.WriteString("/history - past payments\n")
	sb.WriteString("/logout - sign out\n\n")
	sb.WriteString("Send a photo to transform it.")
	b.sendText(chatID, sb.String())
}

func (b *Bot) handleLogin(ctx context.Context, chatID int64, idToken string) {
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return
	}

	if idToken == "" {
		link, err := googleSignInURL(b.cfg.GoogleClientID, b.cfg.GoogleRedirectURL, chatID)
		if err != nil {
			b.sendText(chatID, "Usage: /login <google id token>")
			return
		}
		msg := tgbotapi.NewMessage(chatID, "Sign in with Google, then send the token you receive with /login <token>.")
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Sign in with Google", link)),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send login link", "err", err)
		}
		return
	}

	user, err := chat.Session.Login(ctx, idToken)
	if err != nil {
		b.log.Warn("login failed", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Login failed. Please sign in with Google again and retry.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("Logged in as %s. You have %d credits.", user.DisplayName(), user.Profile.CreditBalance))
}

func (b *Bot) handleLogout(ctx context.Context, chatID int64) {
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return
	}
	b.watches.Cancel(chatID)
	if err := chat.Session.Logout(ctx); err != nil {
		b.log.Error("logout", "chat_id", chatID, "err", err)
	}
	b.sendText(chatID, "You have been logged out.")
}

func (b *Bot) handleBalance(ctx context.Context, chatID int64) {
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}
	user, err := chat.Session.RefreshProfile(ctx)
	if err != nil {
		// A failed profile refresh has already ended the session.
		b.log.Warn("refresh profile", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Could not load your profile. Please log in again with /login.")
		return
	}
	text := fmt.Sprintf("Credits: %d", user.Profile.CreditBalance)
	if user.Profile.CreditBalance <= 0 {
		text += "\nTop up with /plans."
	}
	b.sendText(chatID, text)
}

func (b *Bot) handleStyle(chatID int64, arg string) {
	if arg != "" {
		if err := b.chats.SetStyle(chatID, arg); err != nil {
			b.sendText(chatID, fmt.Sprintf("Unknown style. Available: %s", strings.Join(transform.Styles, ", ")))
			return
		}
		b.sendText(chatID, fmt.Sprintf("Style set to %s.", b.chats.Style(chatID)))
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, style := range transform.Styles {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(style, stylePrefix+style))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Current style: %s. Pick a new one:", b.chats.Style(chatID)))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) handleImage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return
	}

	// Same checks the pipeline runs, done before downloading anything.
	if !chat.Session.IsAuthenticated() {
		b.sendText(chatID, transform.Classify(transform.ErrLoginRequired).Message())
		return
	}
	if chat.Session.CreditBalance() <= 0 {
		b.sendText(chatID, transform.Classify(transform.ErrPaywall).Message())
		return
	}

	if !b.limiter.Allow(chatID) {
		b.sendText(chatID, "You are sending photos too fast. Wait a moment and try again.")
		return
	}

	fileID, filename, err := messageFile(msg)
	if err == nil && msg.Document != nil && int64(msg.Document.FileSize) > b.cfg.MaxUploadBytes {
		err = transform.ErrTooLarge
	}
	if err != nil {
		if errors.Is(err, errNotImage) {
			err = transform.ErrUnsupportedMedia
		}
		b.sendText(chatID, transform.Classify(err).Message())
		return
	}

	data, _, err := b.downloadFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, errNotImage) {
			b.sendText(chatID, transform.Classify(transform.ErrUnsupportedMedia).Message())
			return
		}
		b.log.Error("download telegram file", "chat_id", chatID, "err", err)
		b.sendText(chatID, transform.CategoryGeneric.Message())
		return
	}

	style := b.chats.Style(chatID)
	b.sendText(chatID, fmt.Sprintf("Transforming your image in %s style, hang tight...", style))

	res, err := chat.Transform.Run(ctx, transform.Input{Filename: filename, Data: data, Style: style})
	if err != nil {
		category := transform.Classify(err)
		if category == transform.CategoryGeneric {
			b.log.Error("transform", "chat_id", chatID, "err", err)
		}
		b.sendText(chatID, category.Message())
		return
	}
	b.deliverResult(chatID, style, res)
}

func (b *Bot) deliverResult(chatID int64, style string, res *transform.Result) {
	var photo tgbotapi.PhotoConfig
	switch {
	case len(res.Inline) > 0:
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "result" + extensionFor(res.InlineType), Bytes: res.Inline})
	case res.URL != "":
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(res.URL))
	default:
		b.sendText(chatID, "The transform finished but returned no image. Please try again.")
		return
	}
	photo.Caption = fmt.Sprintf("Style: %s\nCredits left: %d", style, res.Balance)
	if _, err := b.api.Send(photo); err != nil {
		b.log.Error("send result", "err", err)
		if res.URL != "" {
			b.sendText(chatID, "Your image is ready: "+res.URL)
		}
	}

	if res.Upsell {
		b.sendText(chatID, "That was your last credit. Grab more with /plans to keep creating.")
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
