package linking

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/domain"
)

var (
	ErrInvalidTag     = errors.New("некорректный формат тега игрока")
	ErrPlayerNotFound = errors.New("игрок не найден")
)

// LinkResult — итог привязки аккаунта к тегу.
type LinkResult struct {
	Tag        string
	PlayerName string
	// Verified == false, когда API недоступно и имя взять неоткуда.
	Verified bool
	// Created == false означает, что привязка тега переписана на другой аккаунт.
	Created bool
}

// Service управляет привязками Telegram-аккаунтов к игровым тегам.
type Service struct {
	links domain.LinkRepo
	clash domain.ClashAPI
	log   zerolog.Logger
}

// NewService создаёт сервис привязок.
func NewService(links domain.LinkRepo, clash domain.ClashAPI, log zerolog.Logger) *Service {
	return &Service{links: links, clash: clash, log: log}
}

// Link привязывает тег к аккаунту. Несуществующий тег отклоняется,
// сбой API привязку не блокирует.
func (s *Service) Link(ctx context.Context, chatID, tgUserID int64, rawTag, nickname string) (LinkResult, error) {
	tag := domain.NormalizeTag(rawTag)
	if !domain.IsValidTag(tag) {
		return LinkResult{}, ErrInvalidTag
	}

	result := LinkResult{Tag: tag, PlayerName: tag, Verified: true}
	player, err := s.clash.Player(ctx, tag)
	switch {
	case err == nil:
		result.PlayerName = player.Name
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		return LinkResult{}, ErrPlayerNotFound
	default:
		result.Verified = false
		s.log.Warn().Err(err).Str("player", tag).Msg("linking: тег не проверен, привязка продолжена")
	}

	created, err := s.links.UpsertLink(ctx, chatID, tgUserID, tag, nickname)
	if err != nil {
		return LinkResult{}, fmt.Errorf("сохранение привязки: %w", err)
	}
	result.Created = created
	return result, nil
}

// Unlink снимает привязку тега с аккаунта. Возвращает false,
// если такой привязки не было.
func (s *Service) Unlink(ctx context.Context, chatID, tgUserID int64, rawTag string) (bool, error) {
	tag := domain.NormalizeTag(rawTag)
	if !domain.IsValidTag(tag) {
		return false, ErrInvalidTag
	}
	removed, err := s.links.RemoveLink(ctx, chatID, tgUserID, tag)
	if err != nil {
		return false, fmt.Errorf("удаление привязки: %w", err)
	}
	return removed, nil
}

// UnlinkAll снимает все привязки аккаунта в чате.
func (s *Service) UnlinkAll(ctx context.Context, chatID, tgUserID int64) (int64, error) {
	removed, err := s.links.RemoveAllLinks(ctx, chatID, tgUserID)
	if err != nil {
		return 0, fmt.Errorf("удаление привязок: %w", err)
	}
	return removed, nil
}

// List возвращает привязки аккаунта в чате.
func (s *Service) List(ctx context.Context, chatID, tgUserID int64) ([]domain.UserLink, error) {
	links, err := s.links.ListUserLinks(ctx, chatID, tgUserID)
	if err != nil {
		return nil, fmt.Errorf("чтение привязок: %w", err)
	}
	return links, nil
}
