package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/models"
	"github.com/digkill/ghiblit/internal/payment"
)

func (b *Bot) handlePlans(ctx context.Context, chatID int64) {
	chat, ok := b.chat(ctx, chatID)
	if !ok {
		return
	}
	plans, err := chat.Payments.Plans(ctx)
	if err != nil {
		b.replyError(ctx, chat, err, "load plans")
		return
	}
	if len(plans) == 0 {
		b.sendText(chatID, "No plans are available right now.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Credit packs:\n")
	for _, p := range plans {
		fmt.Fprintf(&sb, "%d. %s: %d credits for %s\n", p.ID, p.Name, p.Credits, formatPrice(p))
	}
	sb.WriteString("\nPay by card with /buy <id> or by UPI with /upi <id>.")
	b.sendText(chatID, sb.String())
}

func formatPrice(p models.Plan) string {
	switch {
	case p.PriceINR > 0:
		return fmt.Sprintf("₹%.0f", p.PriceINR.Float64())
	case p.PriceUSD > 0:
		return fmt.Sprintf("$%.2f", p.PriceUSD.Float64())
	default:
		return "free"
	}
}

func parsePlanID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	return id, err == nil && id > 0
}

func (b *Bot) handleBuy(ctx context.Context, chatID int64, arg string) {
	planID, ok := parsePlanID(arg)
	if !ok {
		b.sendText(chatID, "Usage: /buy <plan_id>. See /plans.")
		return
	}
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}

	checkout, err := chat.Payments.StartRedirect(ctx, planID)
	if err != nil {
		b.replyCheckoutError(ctx, chat, err)
		return
	}

	msg := tgbotapi.NewMessage(chatID, "Complete the payment on the checkout page. I will let you know as soon as it is confirmed.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Pay now", checkout.PaymentURL)),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send checkout link", "err", err)
	}
	b.watch(ctx, chat, checkout)
}

func (b *Bot) handleUPI(ctx context.Context, chatID int64, arg string) {
	planID, ok := parsePlanID(arg)
	if !ok {
		b.sendText(chatID, "Usage: /upi <plan_id>. See /plans.")
		return
	}
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}

	checkout, err := chat.Payments.StartManual(ctx, planID)
	if err != nil {
		b.replyCheckoutError(ctx, chat, err)
		return
	}

	caption := manualCaption(checkout)
	if qr, _, err := models.DecodeDataURI(checkout.QRCodeData); err == nil {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "upi-qr.png", Bytes: qr})
		photo.Caption = caption
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send upi qr", "err", err)
			b.sendText(chatID, caption)
		}
	} else {
		b.sendText(chatID, caption)
	}
	b.watch(ctx, chat, checkout)
}

func manualCaption(c *payment.ManualUPICheckout) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pay ₹%.0f for %s via UPI.\n", c.Amount, c.PlanName)
	if c.UPILink != "" {
		fmt.Fprintf(&sb, "UPI link: %s\n", c.UPILink)
	}
	if c.ReferenceCode != "" {
		fmt.Fprintf(&sb, "Reference: %s\n", c.ReferenceCode)
	}
	if !c.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Expires at %s UTC.\n", c.ExpiresAt.UTC().Format("15:04"))
	}
	sb.WriteString("After paying, send me a screenshot of the payment.")
	return sb.String()
}

func (b *Bot) replyCheckoutError(ctx context.Context, chat *Chat, err error) {
	if errors.Is(err, payment.ErrPlanNotFound) {
		b.sendText(chat.ID, "No such plan. See /plans.")
		return
	}
	b.replyError(ctx, chat, err, "start the checkout")
}

// watch polls checkout in the background and reports the outcome to the chat. It
// replaces any payment the chat was already tracking.
func (b *Bot) watch(ctx context.Context, chat *Chat, checkout payment.Checkout) {
	poller := chat.Payments.NewPoller(checkout, func(state payment.State, _ payment.Outcome) {
		b.log.Debug("payment state", "chat_id", chat.ID, "checkout", checkout.String(), "state", state.String())
	})
	b.watches.Start(ctx, chat.ID, poller, func(out payment.Outcome) {
		b.sendText(chat.ID, outcomeText(out))
	})
}

func outcomeText(out payment.Outcome) string {
	switch out.State {
	case payment.StateCompleted:
		text := "Payment confirmed!"
		if out.CreditsPurchased > 0 {
			text += fmt.Sprintf(" +%d credits.", out.CreditsPurchased)
		}
		if out.CreditBalance != nil {
			text += fmt.Sprintf(" Balance: %d.", *out.CreditBalance)
		}
		return text
	case payment.StateFailed:
		return fmt.Sprintf("Payment failed: %s. You can try again from /plans.", out.Message)
	case payment.StateCancelled:
		return "Payment was cancelled. You can start again from /plans."
	case payment.StateExpired:
		return "The payment session expired. Start a new one from /plans."
	case payment.StateUnconfirmed:
		return "Your payment is still being confirmed. Check /balance again in a few minutes."
	default:
		return "Payment tracking stopped."
	}
}

func (b *Bot) handleScreenshot(ctx context.Context, msg *tgbotapi.Message, checkout *payment.ManualUPICheckout) {
	chatID := msg.Chat.ID
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}

	fileID, filename, err := messageFile(msg)
	if err != nil {
		b.sendText(chatID, "Please send the payment screenshot as an image.")
		return
	}
	data, contentType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.log.Error("download screenshot", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Could not read that screenshot. Please send it again.")
		return
	}

	res, err := chat.Payments.Verify(ctx, checkout, api.FilePart{Filename: filename, ContentType: contentType, Data: data})
	if err != nil {
		if errors.Is(err, payment.ErrCheckoutExpired) {
			b.watches.Cancel(chatID)
			b.sendText(chatID, outcomeText(payment.Outcome{State: payment.StateExpired}))
			return
		}
		b.replyError(ctx, chat, err, "verify the payment")
		return
	}

	b.watches.Cancel(chatID)
	text := res.Message
	if text == "" {
		text = "Payment verified."
	}
	if res.CreditsAdded > 0 {
		text += fmt.Sprintf(" +%d credits.", res.CreditsAdded)
	}
	text += fmt.Sprintf(" Balance: %d.", chat.Session.CreditBalance())
	b.sendText(chatID, text)
}

func (b *Bot) handleCancel(chatID int64) {
	if b.watches.Cancel(chatID) {
		b.sendText(chatID, "Stopped tracking your payment. If you already paid, credits will still arrive; check /balance.")
		return
	}
	b.sendText(chatID, "There is no payment in progress.")
}

func (b *Bot) handleHistory(ctx context.Context, chatID int64) {
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}
	records, err := chat.Payments.History(ctx)
	if err != nil {
		b.replyError(ctx, chat, err, "load your payments")
		return
	}
	if len(records) == 0 {
		b.sendText(chatID, "No payments yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Your payments:\n")
	for _, r := range records {
		fmt.Fprintf(&sb, "%s  %.2f %s  %d credits  %s\n",
			r.CreatedAt.Format(time.DateOnly), r.Amount.Float64(), strings.ToUpper(r.Currency), r.CreditsPurchased, r.Status)
	}
	b.sendText(chatID, sb.String())
}
