package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/metrics"
)

// Service — движок опроса. Раз в интервал проходит по всем настроенным
// чатам, двигает машину состояний войны и публикует уведомления. Между
// проходами состояние не держится в памяти: каждый проход перечитывает
// всё из хранилища, поэтому рестарт безопасен.
type Service struct {
	configs   domain.ConfigRepo
	links     domain.LinkRepo
	wars      domain.WarRepo
	reminders domain.ReminderRepo
	seasons   domain.CapitalRepo
	clash     domain.ClashAPI
	sender    domain.Messenger
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт движок.
func NewService(
	configs domain.ConfigRepo,
	links domain.LinkRepo,
	wars domain.WarRepo,
	reminders domain.ReminderRepo,
	seasons domain.CapitalRepo,
	clash domain.ClashAPI,
	sender domain.Messenger,
	log zerolog.Logger,
) *Service {
	return &Service{
		configs:   configs,
		links:     links,
		wars:      wars,
		reminders: reminders,
		seasons:   seasons,
		clash:     clash,
		sender:    sender,
		log:       log,
		now:       time.Now,
	}
}

// Tick выполняет один проход по всем чатам. Ошибка одного чата не
// прерывает обработку остальных.
func (s *Service) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.PollTickSeconds.Observe(time.Since(start).Seconds())
	}()

	tickLog := s.log.With().Str("tick", uuid.NewString()).Logger()

	configs, err := s.configs.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("выборка конфигураций: %w", err)
	}

	for _, cfg := range configs {
		if cfg.ClanTag == "" {
			continue
		}
		if err := s.processChat(ctx, tickLog, cfg); err != nil {
			metrics.PollChatErrors.Inc()
			tickLog.Error().Err(err).Int64("chat", cfg.ChatID).Str("clan", cfg.ClanTag).
				Msg("watch: ошибка обработки чата")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) processChat(ctx context.Context, log zerolog.Logger, cfg domain.ChatConfig) error {
	war, err := s.clash.CurrentWar(ctx, cfg.ClanTag)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
			return nil
		}
		log.Warn().Err(err).Int64("chat", cfg.ChatID).Str("clan", cfg.ClanTag).
			Msg("watch: игровой API недоступен, чат пропущен")
		return nil
	}

	if war.State == "notInWar" {
		return nil
	}

	state := domain.MapWarState(war.State)
	warID := domain.MakeWarID(cfg.ClanTag, *war)

	var endTime *time.Time
	if war.EndTime != "" {
		parsed, err := domain.ParseClashTime(war.EndTime)
		if err != nil {
			log.Warn().Err(err).Str("war", warID).Msg("watch: некорректный endTime, напоминания пропущены")
		} else {
			endTime = &parsed
		}
	}

	if _, err := s.wars.UpsertWar(ctx, cfg.ChatID, warID, state, endTime); err != nil {
		return fmt.Errorf("апсерт войны %s: %w", warID, err)
	}

	switch state {
	case domain.WarStateInWar:
		if err := s.processReminders(ctx, log, cfg, war, warID, endTime); err != nil {
			return err
		}
	case domain.WarStateEnded:
		if err := s.processWarEnd(ctx, log, cfg, war, warID); err != nil {
			return err
		}
	}

	return s.processCapital(ctx, log, cfg)
}

// processReminders проверяет каждый настроенный порог. Журнал пишется
// только после успешной отправки: сорвавшаяся доставка повторится на
// следующем проходе для тех же игроков.
func (s *Service) processReminders(ctx context.Context, log zerolog.Logger, cfg domain.ChatConfig, war *domain.CurrentWar, warID string, endTime *time.Time) error {
	if cfg.WarChatID == 0 || endTime == nil {
		return nil
	}

	minutesUntilEnd := endTime.Sub(s.now()).Minutes()
	perMember := attacksPerMember(war)

	for _, threshold := range cfg.Thresholds {
		if minutesUntilEnd > float64(threshold) {
			continue
		}

		reminded, err := s.reminders.RemindedTags(ctx, cfg.ChatID, warID, threshold)
		if err != nil {
			return fmt.Errorf("чтение журнала напоминаний: %w", err)
		}

		var entries []ReminderEntry
		var tags []string
		for _, member := range war.Clan.Members {
			remaining := domain.RemainingAttacks(member, perMember)
			if remaining == 0 {
				continue
			}
			tag := domain.NormalizeTag(member.Tag)
			if _, ok := reminded[tag]; ok {
				continue
			}
			link, err := s.links.GetLinkByTag(ctx, cfg.ChatID, tag)
			if err != nil {
				return fmt.Errorf("поиск привязки %s: %w", tag, err)
			}
			entries = append(entries, ReminderEntry{Member: member, Remaining: remaining, Link: link})
			tags = append(tags, tag)
		}
		if len(entries) == 0 {
			continue
		}

		text := BuildReminder(entries, threshold)
		if err := s.sender.SendText(ctx, cfg.WarChatID, text); err != nil {
			log.Error().Err(err).Str("war", warID).Int("threshold", threshold).
				Msg("watch: не удалось отправить напоминание")
			continue
		}
		metrics.RemindersSent.Add(float64(len(entries)))
		log.Info().Str("war", warID).Int("threshold", threshold).Int("players", len(entries)).
			Msg("watch: напоминание отправлено")

		if err := s.reminders.AddReminded(ctx, cfg.ChatID, warID, tags, threshold); err != nil {
			return fmt.Errorf("запись журнала напоминаний: %w", err)
		}
	}
	return nil
}

// processWarEnd публикует итоги не более одного раза на войну. Флаг
// выставляется после попытки отправки независимо от её исхода.
func (s *Service) processWarEnd(ctx context.Context, log zerolog.Logger, cfg domain.ChatConfig, war *domain.CurrentWar, warID string) error {
	record, err := s.wars.GetWar(ctx, cfg.ChatID, warID)
	if err != nil {
		return fmt.Errorf("чтение войны %s: %w", warID, err)
	}
	if record != nil && record.SummaryPosted {
		return nil
	}

	dest := cfg.EffectiveResultsChat()
	if dest == 0 {
		log.Info().Int64("chat", cfg.ChatID).Str("war", warID).
			Msg("watch: чат для итогов не настроен, сводка пропущена")
		return s.wars.MarkSummaryPosted(ctx, cfg.ChatID, warID)
	}

	text := BuildWarSummary(war, cfg.ClanTag)
	if err := s.sender.SendText(ctx, dest, text); err != nil {
		log.Error().Err(err).Str("war", warID).Msg("watch: не удалось отправить итоги войны")
	} else {
		metrics.WarSummariesPosted.Inc()
		log.Info().Str("war", warID).Int64("chat", cfg.ChatID).Msg("watch: итоги войны опубликованы")
	}
	return s.wars.MarkSummaryPosted(ctx, cfg.ChatID, warID)
}

// processCapital публикует итоги последнего завершённого рейдового сезона,
// не более одного раза на (чат, время окончания сезона).
func (s *Service) processCapital(ctx context.Context, log zerolog.Logger, cfg domain.ChatConfig) error {
	dest := cfg.EffectiveCapitalChat()
	if dest == 0 {
		return nil
	}

	seasons, err := s.clash.RaidSeasons(ctx, cfg.ClanTag)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
			return nil
		}
		log.Warn().Err(err).Int64("chat", cfg.ChatID).Msg("watch: не удалось получить рейдовые сезоны")
		return nil
	}
	if len(seasons) == 0 {
		return nil
	}

	latest := seasons[0]
	if latest.State != "ended" || latest.EndTime == "" {
		return nil
	}

	posted, err := s.seasons.IsSeasonPosted(ctx, cfg.ChatID, latest.EndTime)
	if err != nil {
		return fmt.Errorf("чтение журнала сезонов: %w", err)
	}
	if posted {
		return nil
	}

	text := BuildCapitalSummary(latest)
	if err := s.sender.SendText(ctx, dest, text); err != nil {
		log.Error().Err(err).Int64("chat", cfg.ChatID).Msg("watch: не удалось отправить итоги рейдов")
	} else {
		metrics.CapitalSummariesPosted.Inc()
		log.Info().Int64("chat", cfg.ChatID).Str("season", latest.EndTime).
			Msg("watch: итоги рейдового сезона опубликованы")
	}
	return s.seasons.MarkSeasonPosted(ctx, cfg.ChatID, latest.EndTime)
}
