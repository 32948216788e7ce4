package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/domain"
)

var (
	ErrInvalidTag       = errors.New("некорректный формат тега клана")
	ErrInvalidThreshold = errors.New("некорректный порог напоминания")
	ErrNoThresholds     = errors.New("не задан ни один порог")
)

// ChannelKind — назначение настраиваемого чата.
type ChannelKind string

const (
	ChannelWar     ChannelKind = "war"
	ChannelResults ChannelKind = "results"
	ChannelCapital ChannelKind = "capital"
)

// Service отвечает за административную настройку чата.
type Service struct {
	configs domain.ConfigRepo
	clash   domain.ClashAPI
	log     zerolog.Logger
}

// NewService создаёт сервис настроек.
func NewService(configs domain.ConfigRepo, clash domain.ClashAPI, log zerolog.Logger) *Service {
	return &Service{configs: configs, clash: clash, log: log}
}

// SetClan сохраняет тег наблюдаемого клана. Тег сверяется с API; закрытый
// журнал войн не препятствует настройке, сетевая ошибка — препятствует.
func (s *Service) SetClan(ctx context.Context, chatID int64, rawTag string) (string, error) {
	tag := domain.NormalizeTag(rawTag)
	if !domain.IsValidTag(tag) {
		return "", ErrInvalidTag
	}

	if _, err := s.clash.CurrentWar(ctx, tag); err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 0 {
			return "", fmt.Errorf("проверка клана: %w", err)
		}
		// 403/404 и прочие статусы не блокируют: клан может прятать журнал.
		s.log.Debug().Err(err).Str("clan", tag).Msg("settings: клан не проверен, настройка продолжена")
	}

	if _, err := s.configs.UpsertConfig(ctx, chatID, domain.ConfigPatch{ClanTag: &tag}); err != nil {
		return "", fmt.Errorf("сохранение клана: %w", err)
	}
	return tag, nil
}

// SetChannel назначает чат для одного из видов уведомлений.
func (s *Service) SetChannel(ctx context.Context, chatID int64, kind ChannelKind, destChatID int64) error {
	var patch domain.ConfigPatch
	switch kind {
	case ChannelWar:
		patch.WarChatID = &destChatID
	case ChannelResults:
		patch.ResultsChatID = &destChatID
	case ChannelCapital:
		patch.CapitalChatID = &destChatID
	default:
		return fmt.Errorf("неизвестный вид чата %q", kind)
	}
	if _, err := s.configs.UpsertConfig(ctx, chatID, patch); err != nil {
		return fmt.Errorf("сохранение чата уведомлений: %w", err)
	}
	return nil
}

// ParseThreshold разбирает «12h», «90m» или число минут.
func ParseThreshold(raw string) (int, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, ErrInvalidThreshold
	}
	factor := 1
	switch {
	case strings.HasSuffix(raw, "h"):
		factor = 60
		raw = strings.TrimSuffix(raw, "h")
	case strings.HasSuffix(raw, "m"):
		raw = strings.TrimSuffix(raw, "m")
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, ErrInvalidThreshold
	}
	return value * factor, nil
}

// ParseThresholds разбирает список порогов и сортирует по убыванию.
func ParseThresholds(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, ErrNoThresholds
	}
	thresholds := make([]int, 0, len(args))
	for _, arg := range args {
		minutes, err := ParseThreshold(arg)
		if err != nil {
			return nil, err
		}
		thresholds = append(thresholds, minutes)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
	return thresholds, nil
}

// SetThresholds сохраняет пороги напоминаний.
func (s *Service) SetThresholds(ctx context.Context, chatID int64, args []string) ([]int, error) {
	thresholds, err := ParseThresholds(args)
	if err != nil {
		return nil, err
	}
	if _, err := s.configs.UpsertConfig(ctx, chatID, domain.ConfigPatch{Thresholds: thresholds}); err != nil {
		return nil, fmt.Errorf("сохранение порогов: %w", err)
	}
	return thresholds, nil
}

// Status собирает конфигурацию чата и текущее состояние войны.
// Ошибка API не мешает показать конфигурацию.
type Status struct {
	Config *domain.ChatConfig
	War    *domain.CurrentWar
	WarErr error
}

// Status возвращает сводку настроек для администратора.
func (s *Service) Status(ctx context.Context, chatID int64) (Status, error) {
	cfg, err := s.configs.GetConfig(ctx, chatID)
	if err != nil {
		return Status{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	st := Status{Config: cfg}
	if cfg != nil && cfg.ClanTag != "" {
		st.War, st.WarErr = s.clash.CurrentWar(ctx, cfg.ClanTag)
	}
	return st, nil
}
