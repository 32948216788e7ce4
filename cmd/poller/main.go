package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-clanwatch-bot/internal/adapters/clash"
	"tg-clanwatch-bot/internal/adapters/repo"
	"tg-clanwatch-bot/internal/adapters/telegram"
	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/cache"
	"tg-clanwatch-bot/internal/infra/config"
	"tg-clanwatch-bot/internal/infra/db"
	"tg-clanwatch-bot/internal/infra/log"
	"tg-clanwatch-bot/internal/infra/metrics"
	"tg-clanwatch-bot/internal/usecase/watch"
)

// pollLockKey защищает от параллельных проходов при нескольких репликах.
const pollLockKey = "clanwatch:poll"

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("poller: не задан TG_BOT_TOKEN")
	}
	if cfg.Clash.Token == "" {
		logger.Fatal().Msg("poller: не задан CLASH_API_TOKEN")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: нет подключения к БД")
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("poller: не удалось применить миграции")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: не удалось создать бота")
	}

	repoAdapter := repo.NewPostgres(pool)
	clashClient := clash.NewClient(clash.Config{
		BaseURL: cfg.Clash.BaseURL,
		Token:   cfg.Clash.Token,
		Timeout: cfg.Clash.Timeout,
	})
	sender := telegram.NewSender(botAPI, logger)

	var guard domain.TickGuard = cache.NoopGuard{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("poller: нет подключения к Redis")
		}
		guard = cache.NewRedisGuard(client)
	}

	svc := watch.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, clashClient, sender, logger)

	logger.Info().Dur("interval", cfg.Poll.Interval).Msg("poller: запущен")
	ticker := time.NewTicker(cfg.Poll.Interval)
	defer ticker.Stop()

	tick := func() {
		err := guard.Once(pollLockKey, cfg.Poll.Interval, func() error {
			return svc.Tick(ctx)
		})
		switch {
		case errors.Is(err, cache.ErrLocked):
			logger.Debug().Msg("poller: проход пропущен, блокировка занята")
		case err != nil:
			logger.Error().Err(err).Msg("poller: проход завершился с ошибкой")
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("poller: остановка")
			return
		case <-ticker.C:
			tick()
		}
	}
}
