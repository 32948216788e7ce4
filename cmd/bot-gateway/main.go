package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-clanwatch-bot/internal/adapters/bot"
	"tg-clanwatch-bot/internal/adapters/clash"
	"tg-clanwatch-bot/internal/adapters/repo"
	"tg-clanwatch-bot/internal/infra/config"
	"tg-clanwatch-bot/internal/infra/db"
	infrahttp "tg-clanwatch-bot/internal/infra/http"
	"tg-clanwatch-bot/internal/infra/log"
	"tg-clanwatch-bot/internal/infra/metrics"
	"tg-clanwatch-bot/internal/usecase/linking"
	"tg-clanwatch-bot/internal/usecase/settings"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("не задан TG_BOT_TOKEN")
	}
	if cfg.Clash.Token == "" {
		logger.Fatal().Msg("не задан CLASH_API_TOKEN")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("не удалось применить миграции")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	repoAdapter := repo.NewPostgres(pool)
	clashClient := clash.NewClient(clash.Config{
		BaseURL: cfg.Clash.BaseURL,
		Token:   cfg.Clash.Token,
		Timeout: cfg.Clash.Timeout,
	})

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный URL вебхука")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить вебхук")
		}
	}

	settingsService := settings.NewService(repoAdapter, clashClient, logger)
	linkingService := linking.NewService(repoAdapter, clashClient, logger)
	h := bot.NewHandler(botAPI, logger, settingsService, linkingService, repoAdapter, repoAdapter, clashClient)

	srv := infrahttp.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		logger.Info().Msg("бот-гейтвей запущен")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
