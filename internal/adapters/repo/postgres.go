package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool. Все записи,
// закрепляющие инварианты уникальности, выражены как ON CONFLICT,
// чтобы конкурентные команды и проходы поллера не плодили дубли.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ConfigRepo   = (*Postgres)(nil)
	_ domain.LinkRepo     = (*Postgres)(nil)
	_ domain.WarRepo      = (*Postgres)(nil)
	_ domain.ReminderRepo = (*Postgres)(nil)
	_ domain.CapitalRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// -------------------------------------------------------------------------
// Конфигурация чатов
// -------------------------------------------------------------------------

const configColumns = `chat_id, clan_tag, war_chat_id, results_chat_id, capital_chat_id, thresholds, tz, created_at, updated_at`

func scanConfig(row pgx.Row) (domain.ChatConfig, error) {
	var cfg domain.ChatConfig
	var thresholds []int32
	err := row.Scan(&cfg.ChatID, &cfg.ClanTag, &cfg.WarChatID, &cfg.ResultsChatID,
		&cfg.CapitalChatID, &thresholds, &cfg.Timezone, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return domain.ChatConfig{}, err
	}
	cfg.Thresholds = make([]int, 0, len(thresholds))
	for _, t := range thresholds {
		cfg.Thresholds = append(cfg.Thresholds, int(t))
	}
	return cfg, nil
}

// GetConfig возвращает конфигурацию чата либо nil, если её нет.
func (p *Postgres) GetConfig(ctx context.Context, chatID int64) (*domain.ChatConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM chat_configs WHERE chat_id = $1`, chatID)
	cfg, err := scanConfig(row)
	metrics.ObserveNetworkRequest("postgres", "config_get", "chat_configs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListConfigs возвращает конфигурации всех чатов.
func (p *Postgres) ListConfigs(ctx context.Context) ([]domain.ChatConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+configColumns+` FROM chat_configs ORDER BY chat_id`)
	metrics.ObserveNetworkRequest("postgres", "config_list", "chat_configs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []domain.ChatConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpsertConfig атомарно создаёт либо дополняет конфигурацию чата.
// Nil-поля патча не трогают сохранённые значения.
func (p *Postgres) UpsertConfig(ctx context.Context, chatID int64, patch domain.ConfigPatch) (domain.ChatConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var thresholds []int32
	if patch.Thresholds != nil {
		thresholds = make([]int32, 0, len(patch.Thresholds))
		for _, t := range patch.Thresholds {
			thresholds = append(thresholds, int32(t))
		}
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO chat_configs (chat_id, clan_tag, war_chat_id, results_chat_id, capital_chat_id, thresholds, tz)
VALUES ($1, COALESCE($2, ''), COALESCE($3, 0), COALESCE($4, 0), COALESCE($5, 0), COALESCE($6, '{720,180,60}'::int[]), COALESCE($7, 'UTC'))
ON CONFLICT (chat_id) DO UPDATE SET
    clan_tag = COALESCE($2, chat_configs.clan_tag),
    war_chat_id = COALESCE($3, chat_configs.war_chat_id),
    results_chat_id = COALESCE($4, chat_configs.results_chat_id),
    capital_chat_id = COALESCE($5, chat_configs.capital_chat_id),
    thresholds = COALESCE($6, chat_configs.thresholds),
    tz = COALESCE($7, chat_configs.tz),
    updated_at = now()
RETURNING `+configColumns,
		chatID, patch.ClanTag, patch.WarChatID, patch.ResultsChatID, patch.CapitalChatID, thresholds, patch.Timezone)
	cfg, err := scanConfig(row)
	metrics.ObserveNetworkRequest("postgres", "config_upsert", "chat_configs", start, err)
	return cfg, err
}

// -------------------------------------------------------------------------
// Привязки аккаунтов
// -------------------------------------------------------------------------

const linkColumns = `id, chat_id, tg_user_id, player_tag, nickname, created_at`

func scanLink(row pgx.Row) (domain.UserLink, error) {
	var link domain.UserLink
	err := row.Scan(&link.ID, &link.ChatID, &link.TGUserID, &link.PlayerTag, &link.Nickname, &link.CreatedAt)
	return link, err
}

// ListUserLinks возвращает привязки аккаунта в чате.
func (p *Postgres) ListUserLinks(ctx context.Context, chatID, tgUserID int64) ([]domain.UserLink, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM user_links WHERE chat_id = $1 AND tg_user_id = $2 ORDER BY created_at`,
		chatID, tgUserID)
	metrics.ObserveNetworkRequest("postgres", "links_list", "user_links", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.UserLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// GetLinkByTag возвращает привязку по тегу игрока либо nil.
func (p *Postgres) GetLinkByTag(ctx context.Context, chatID int64, playerTag string) (*domain.UserLink, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM user_links WHERE chat_id = $1 AND player_tag = $2`,
		chatID, domain.NormalizeTag(playerTag))
	link, err := scanLink(row)
	metrics.ObserveNetworkRequest("postgres", "link_get_by_tag", "user_links", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// UpsertLink создаёт привязку тега к аккаунту. Повторная привязка того же
// тега переписывает владельца; признак вставки возвращается через xmax = 0.
func (p *Postgres) UpsertLink(ctx context.Context, chatID, tgUserID int64, playerTag, nickname string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var inserted bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO user_links (chat_id, tg_user_id, player_tag, nickname)
VALUES ($1, $2, $3, $4)
ON CONFLICT (chat_id, player_tag)
DO UPDATE SET tg_user_id = EXCLUDED.tg_user_id, nickname = EXCLUDED.nickname
RETURNING (xmax = 0) AS inserted`,
		chatID, tgUserID, domain.NormalizeTag(playerTag), nickname).Scan(&inserted)
	metrics.ObserveNetworkRequest("postgres", "link_upsert", "user_links", start, err)
	return inserted, err
}

// RemoveLink удаляет привязку и сообщает, была ли она.
func (p *Postgres) RemoveLink(ctx context.Context, chatID, tgUserID int64, playerTag string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM user_links WHERE chat_id = $1 AND tg_user_id = $2 AND player_tag = $3`,
		chatID, tgUserID, domain.NormalizeTag(playerTag))
	metrics.ObserveNetworkRequest("postgres", "link_remove", "user_links", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveAllLinks удаляет все привязки аккаунта в чате.
func (p *Postgres) RemoveAllLinks(ctx context.Context, chatID, tgUserID int64) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM user_links WHERE chat_id = $1 AND tg_user_id = $2`,
		chatID, tgUserID)
	metrics.ObserveNetworkRequest("postgres", "links_remove_all", "user_links", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -------------------------------------------------------------------------
// Войны
// -------------------------------------------------------------------------

const warColumns = `id, chat_id, war_id, state, end_time, summary_posted, created_at, updated_at`

func scanWar(row pgx.Row) (domain.WarRecord, error) {
	var war domain.WarRecord
	err := row.Scan(&war.ID, &war.ChatID, &war.WarID, &war.State, &war.EndTime,
		&war.SummaryPosted, &war.CreatedAt, &war.UpdatedAt)
	return war, err
}

// GetWar возвращает запись войны либо nil.
func (p *Postgres) GetWar(ctx context.Context, chatID int64, warID string) (*domain.WarRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx,
		`SELECT `+warColumns+` FROM wars WHERE chat_id = $1 AND war_id = $2`,
		chatID, warID)
	war, err := scanWar(row)
	metrics.ObserveNetworkRequest("postgres", "war_get", "wars", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &war, nil
}

// UpsertWar фиксирует наблюдаемое состояние войны. Повторный апсерт того же
// состояния безвреден; summary_posted при апсерте не сбрасывается.
func (p *Postgres) UpsertWar(ctx context.Context, chatID int64, warID, state string, endTime *time.Time) (domain.WarRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO wars (chat_id, war_id, state, end_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (chat_id, war_id)
DO UPDATE SET state = EXCLUDED.state, end_time = EXCLUDED.end_time, updated_at = now()
RETURNING `+warColumns,
		chatID, warID, state, endTime)
	war, err := scanWar(row)
	metrics.ObserveNetworkRequest("postgres", "war_upsert", "wars", start, err)
	return war, err
}

// MarkSummaryPosted выставляет флаг опубликованных итогов.
func (p *Postgres) MarkSummaryPosted(ctx context.Context, chatID int64, warID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx,
		`UPDATE wars SET summary_posted = true, updated_at = now() WHERE chat_id = $1 AND war_id = $2`,
		chatID, warID)
	metrics.ObserveNetworkRequest("postgres", "war_mark_summary", "wars", start, err)
	return err
}

// -------------------------------------------------------------------------
// Журнал напоминаний
// -------------------------------------------------------------------------

// RemindedTags возвращает теги, уже получившие напоминание на пороге.
func (p *Postgres) RemindedTags(ctx context.Context, chatID int64, warID string, thresholdMinutes int) (map[string]struct{}, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx,
		`SELECT player_tag FROM war_reminders WHERE chat_id = $1 AND war_id = $2 AND threshold_minutes = $3`,
		chatID, warID, thresholdMinutes)
	metrics.ObserveNetworkRequest("postgres", "reminders_get", "war_reminders", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[string]struct{})
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags[tag] = struct{}{}
	}
	return tags, rows.Err()
}

// AddReminded вносит теги в журнал напоминаний. Повторная вставка кортежа
// игнорируется.
func (p *Postgres) AddReminded(ctx context.Context, chatID int64, warID string, playerTags []string, thresholdMinutes int) error {
	if len(playerTags) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, tag := range playerTags {
		batch.Queue(`
INSERT INTO war_reminders (chat_id, war_id, player_tag, threshold_minutes)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`,
			chatID, warID, domain.NormalizeTag(tag), thresholdMinutes)
	}

	start := time.Now()
	err := p.pool.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "reminders_add", "war_reminders", start, err)
	return err
}

// -------------------------------------------------------------------------
// Журнал рейдовых сезонов
// -------------------------------------------------------------------------

// IsSeasonPosted сообщает, публиковались ли итоги сезона.
func (p *Postgres) IsSeasonPosted(ctx context.Context, chatID int64, seasonEnd string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var posted bool
	start := time.Now()
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM raid_seasons_posted WHERE chat_id = $1 AND season_end = $2)`,
		chatID, seasonEnd).Scan(&posted)
	metrics.ObserveNetworkRequest("postgres", "season_is_posted", "raid_seasons_posted", start, err)
	return posted, err
}

// MarkSeasonPosted помечает сезон опубликованным.
func (p *Postgres) MarkSeasonPosted(ctx context.Context, chatID int64, seasonEnd string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO raid_seasons_posted (chat_id, season_end) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		chatID, seasonEnd)
	metrics.ObserveNetworkRequest("postgres", "season_mark_posted", "raid_seasons_posted", start, err)
	return err
}
