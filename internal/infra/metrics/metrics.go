package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PollTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poll_tick_seconds",
		Help:    "Длительность одного прохода опроса",
		Buckets: prometheus.DefBuckets,
	})
	PollChatErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poll_chat_errors_total",
		Help: "Ошибки обработки отдельных чатов в проходе",
	})
	RemindersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "war_reminders_sent_total",
		Help: "Отправленные напоминания об атаках",
	})
	WarSummariesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "war_summaries_posted_total",
		Help: "Опубликованные итоги войн",
	})
	CapitalSummariesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capital_summaries_posted_total",
		Help: "Опубликованные итоги рейдовых сезонов",
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PollTickSeconds,
		PollChatErrors,
		RemindersSent,
		WarSummariesPosted,
		CapitalSummariesPosted,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// ObserveNetworkRequest фиксирует длительность и исход сетевого вызова.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := prometheus.Labels{
		"component": component,
		"operation": operation,
		"target":    target,
		"status":    status,
	}
	NetworkRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.With(labels).Inc()
}

// ObserveStatusCode — то же, но с числовым HTTP статусом вместо ok/error.
func ObserveStatusCode(component, operation, target string, start time.Time, code int) {
	labels := prometheus.Labels{
		"component": component,
		"operation": operation,
		"target":    target,
		"status":    strconv.Itoa(code),
	}
	NetworkRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.With(labels).Inc()
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: сервер остановлен")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
