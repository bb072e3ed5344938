package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/ghiblit/internal/admin"
	"github.com/digkill/ghiblit/internal/api"
	"github.com/digkill/ghiblit/internal/config"
	"github.com/digkill/ghiblit/internal/credentials"
	"github.com/digkill/ghiblit/internal/database"
	"github.com/digkill/ghiblit/internal/gallery"
	"github.com/digkill/ghiblit/internal/payment"
	"github.com/digkill/ghiblit/internal/repository"
	"github.com/digkill/ghiblit/internal/storage"
	"github.com/digkill/ghiblit/internal/telegram"
	"github.com/digkill/ghiblit/internal/transform"
	"github.com/digkill/ghiblit/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.MySQLDSN != "" {
		db, err = database.Connect(cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("database connect: %v", err)
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			log.Fatalf("database migrate: %v", err)
		}
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	// The gallery is public, so it runs on a client without credentials.
	publicAPI, err := api.NewClient(cfg, credentials.NewMemoryStore(), logr)
	if err != nil {
		log.Fatalf("api client: %v", err)
	}
	galleryCache := gallery.NewCache(publicAPI,
		gallery.WithTTL(cfg.GalleryTTL),
		gallery.WithFetchTimeout(cfg.GalleryFetchTimeout),
		gallery.WithLogger(logr),
	)

	var archive transform.Archiver
	if cfg.ArchiveEnabled() {
		a, err := storage.NewArchive(storage.ConfigFrom(cfg))
		if err != nil {
			log.Fatalf("storage archive: %v", err)
		}
		archive = a
	}

	var checkoutLog *repository.CheckoutRepository
	var registryOpts []payment.RegistryOption
	if db != nil {
		checkoutLog = repository.NewCheckoutRepository(db)
		registryOpts = append(registryOpts, payment.WithJournal(checkoutLog, logr))
	}
	watches := payment.NewRegistry(registryOpts...)
	defer watches.Shutdown()

	chats := telegram.NewChatManager(cfg, logr, credentialsFactory(cfg, db, logr), archive)
	bot := telegram.NewBot(cfg, botAPI, logr, chats, galleryCache, watches)

	statusServer := admin.NewServer(cfg.StatusListenAddr, cfg.StatusUsername, cfg.StatusPassword, logr, galleryCache, cfg.GalleryLimit, watches)
	if checkoutLog != nil {
		statusServer.SetCheckoutLog(checkoutLog)
	}
	go func() {
		if err := statusServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("status server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}

// credentialsFactory keeps tokens in MySQL when a database is configured and in one
// file per chat otherwise.
func credentialsFactory(cfg config.Config, db *sql.DB, logr *slog.Logger) telegram.CredentialsFactory {
	if db != nil {
		logr.Info("storing credentials in mysql")
		return func(chatID int64) (credentials.Store, error) {
			return credentials.NewMySQLStore(db, chatID), nil
		}
	}
	logr.Info("storing credentials on disk", "dir", cfg.CredentialsDir)
	return func(chatID int64) (credentials.Store, error) {
		return credentials.NewFileStore(filepath.Join(cfg.CredentialsDir, fmt.Sprintf("%d.json", chatID))), nil
	}
}
