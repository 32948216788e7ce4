package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Ошибки клиента игрового API. ErrNotFound и ErrForbidden — ожидаемые
// исходы (клан не найден, закрытый журнал войн), а не сбои.
var (
	ErrNotFound  = errors.New("не найдено в API")
	ErrForbidden = errors.New("доступ к данным закрыт")
)

// APIError описывает сбой игрового API. Status 0 означает сетевую ошибку.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("clash api: статус %d: %s", e.Status, e.Message)
}

// Тело тега: буквы и цифры без визуально неоднозначных O, I, 0 и 1.
var tagBodyRegex = regexp.MustCompile(`^#[A-HJ-NP-Z2-9]{5,9}$`)

const clashTimeLayout = "20060102T150405.000Z"

// NormalizeTag приводит тег к каноничному виду: трим, верхний регистр,
// ровно один ведущий «#». Тотальная функция, на любой вход даёт тег.
func NormalizeTag(raw string) string {
	tag := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasPrefix(tag, "#") {
		tag = "#" + tag
	}
	return tag
}

// IsValidTag проверяет формат нормализованного тега: «#» и 5–9 символов
// игрового алфавита.
func IsValidTag(raw string) bool {
	return tagBodyRegex.MatchString(NormalizeTag(raw))
}

// ParseClashTime разбирает таймстемп API формата 20250101T120000.000Z.
// Формат фиксированный, любое отклонение — ошибка.
func ParseClashTime(raw string) (time.Time, error) {
	ts, err := time.Parse(clashTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("разбор таймстемпа %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// RemainingAttacks возвращает число неиспользованных атак участника.
// Не бывает отрицательным.
func RemainingAttacks(member WarMember, attacksPerMember int) int {
	rem := attacksPerMember - len(member.Attacks)
	if rem < 0 {
		return 0
	}
	return rem
}

// MakeWarID выводит стабильный идентификатор войны: тег клана плюс время
// начала подготовки. Ключ живёт ровно одну войну и различает соседние.
func MakeWarID(clanTag string, war CurrentWar) string {
	prep := war.PreparationStartTime
	if prep == "" {
		prep = "UNKNOWN"
	}
	return NormalizeTag(clanTag) + "_" + prep
}

// MapWarState переводит состояние API во внутреннее. Неизвестные строки
// проходят как есть, чтобы новые состояния API не ломали обработку.
func MapWarState(apiState string) string {
	switch apiState {
	case "preparation":
		return WarStatePrep
	case "inWar":
		return WarStateInWar
	case "warEnded":
		return WarStateEnded
	}
	return apiState
}
