package domain

import (
	"context"
	"time"
)

// ConfigRepo управляет конфигурацией чатов.
type ConfigRepo interface {
	GetConfig(ctx context.Context, chatID int64) (*ChatConfig, error)
	ListConfigs(ctx context.Context) ([]ChatConfig, error)
	UpsertConfig(ctx context.Context, chatID int64, patch ConfigPatch) (ChatConfig, error)
}

// LinkRepo управляет привязками аккаунтов к тегам игроков.
type LinkRepo interface {
	ListUserLinks(ctx context.Context, chatID, tgUserID int64) ([]UserLink, error)
	GetLinkByTag(ctx context.Context, chatID int64, playerTag string) (*UserLink, error)
	// UpsertLink возвращает true, если создана новая привязка, и false,
	// если существующая привязка тега переписана на другой аккаунт.
	UpsertLink(ctx context.Context, chatID, tgUserID int64, playerTag, nickname string) (bool, error)
	RemoveLink(ctx context.Context, chatID, tgUserID int64, playerTag string) (bool, error)
	RemoveAllLinks(ctx context.Context, chatID, tgUserID int64) (int64, error)
}

// WarRepo хранит состояние войн.
type WarRepo interface {
	GetWar(ctx context.Context, chatID int64, warID string) (*WarRecord, error)
	UpsertWar(ctx context.Context, chatID int64, warID, state string, endTime *time.Time) (WarRecord, error)
	MarkSummaryPosted(ctx context.Context, chatID int64, warID string) error
}

// ReminderRepo — журнал отправленных напоминаний. Только вставка,
// повторная вставка того же кортежа игнорируется.
type ReminderRepo interface {
	RemindedTags(ctx context.Context, chatID int64, warID string, thresholdMinutes int) (map[string]struct{}, error)
	AddReminded(ctx context.Context, chatID int64, warID string, playerTags []string, thresholdMinutes int) error
}

// CapitalRepo — журнал опубликованных итогов рейдовых сезонов.
type CapitalRepo interface {
	IsSeasonPosted(ctx context.Context, chatID int64, seasonEnd string) (bool, error)
	MarkSeasonPosted(ctx context.Context, chatID int64, seasonEnd string) error
}

// ClashAPI — три чтения игрового API. Возвращают ErrNotFound, ErrForbidden
// или *APIError; ретраев и кэширования нет.
type ClashAPI interface {
	CurrentWar(ctx context.Context, clanTag string) (*CurrentWar, error)
	Player(ctx context.Context, playerTag string) (*Player, error)
	// RaidSeasons возвращает сезоны от новых к старым.
	RaidSeasons(ctx context.Context, clanTag string) ([]RaidSeason, error)
}

// Messenger отправляет текст в целевой чат.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// TickGuard ограничивает выполнение: fn вызывается, только если ключ
// ещё не занят в пределах ttl.
type TickGuard interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
