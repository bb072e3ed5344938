package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/ghiblit/internal/models"
)

// Telegram caps media groups at ten items.
const mediaGroupMax = 10

func (b *Bot) handleGallery(ctx context.Context, chatID int64) {
	images := withProcessed(b.gallery.Get(ctx, b.cfg.GalleryLimit))
	if len(images) == 0 {
		b.sendText(chatID, "No community creations to show yet. Be the first: send me a photo!")
		return
	}
	cached, _ := b.gallery.Snapshot()
	b.sendImages(chatID, images, withProcessed(without(cached, images)), true)
}

func (b *Bot) handleMyImages(ctx context.Context, chatID int64) {
	chat, ok := b.authedChat(ctx, chatID)
	if !ok {
		return
	}
	images, err := chat.API.UserImages(ctx)
	if err != nil {
		b.replyError(ctx, chat, err, "load your images")
		return
	}
	images = withProcessed(images)
	if len(images) == 0 {
		b.sendText(chatID, "You have not transformed any images yet.")
		return
	}
	b.sendImages(chatID, images, nil, false)
}

// sendImages posts images as media groups. When a group is rejected, usually because
// one URL no longer resolves, the images go out one by one. With evict set, an image
// that still fails is dropped from the gallery cache and the next spare takes its place.
func (b *Bot) sendImages(chatID int64, images, spares []models.GalleryImage, evict bool) {
	for start := 0; start < len(images); start += mediaGroupMax {
		end := min(start+mediaGroupMax, len(images))
		chunk := images[start:end]

		if len(chunk) > 1 {
			media := make([]any, 0, len(chunk))
			for _, img := range chunk {
				media = append(media, tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(img.ProcessedURL())))
			}
			_, err := b.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
			if err == nil {
				continue
			}
			b.log.Warn("send media group, falling back to single photos", "err", err)
		}

		for _, img := range chunk {
			if b.sendPhoto(chatID, img) || !evict {
				continue
			}
			b.gallery.Remove(img.ID)
			for len(spares) > 0 {
				spare := spares[0]
				spares = spares[1:]
				if b.sendPhoto(chatID, spare) {
					break
				}
				b.gallery.Remove(spare.ID)
			}
		}
	}
}

func (b *Bot) sendPhoto(chatID int64, img models.GalleryImage) bool {
	if _, err := b.api.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(img.ProcessedURL()))); err != nil {
		b.log.Warn("send gallery image", "image_id", img.ID, "err", err)
		return false
	}
	return true
}

// without returns the entries of all that are not in shown, in order.
func without(all, shown []models.GalleryImage) []models.GalleryImage {
	seen := make(map[int64]struct{}, len(shown))
	for _, img := range shown {
		seen[img.ID] = struct{}{}
	}
	out := make([]models.GalleryImage, 0, len(all))
	for _, img := range all {
		if _, ok := seen[img.ID]; !ok {
			out = append(out, img)
		}
	}
	return out
}

func withProcessed(images []models.GalleryImage) []models.GalleryImage {
	out := make([]models.GalleryImage, 0, len(images))
	for _, img := range images {
		if img.ProcessedURL() != "" {
			out = append(out, img)
		}
	}
	return out
}
