package domain

import "time"

// DefaultThresholds — пороги напоминаний по умолчанию (минуты до конца войны).
var DefaultThresholds = []int{720, 180, 60}

// ChatConfig описывает настройки бота для одного группового чата.
type ChatConfig struct {
	ChatID        int64
	ClanTag       string
	WarChatID     int64
	ResultsChatID int64
	CapitalChatID int64
	Thresholds    []int
	Timezone      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveResultsChat возвращает чат для итогов войны с учётом фолбэка.
func (c ChatConfig) EffectiveResultsChat() int64 {
	if c.ResultsChatID != 0 {
		return c.ResultsChatID
	}
	return c.WarChatID
}

// EffectiveCapitalChat возвращает чат для рейдов столицы с учётом фолбэка.
func (c ChatConfig) EffectiveCapitalChat() int64 {
	if c.CapitalChatID != 0 {
		return c.CapitalChatID
	}
	return c.EffectiveResultsChat()
}

// ConfigPatch перечисляет изменяемые поля конфигурации чата.
// Nil-поле означает «не трогать».
type ConfigPatch struct {
	ClanTag       *string
	WarChatID     *int64
	ResultsChatID *int64
	CapitalChatID *int64
	Thresholds    []int
	Timezone      *string
}

// UserLink связывает Telegram-аккаунт с тегом игрока в пределах чата.
type UserLink struct {
	ID        int64
	ChatID    int64
	TGUserID  int64
	PlayerTag string
	Nickname  string
	CreatedAt time.Time
}

// Состояния войны после маппинга из API.
const (
	WarStatePrep  = "PREP"
	WarStateInWar = "IN_WAR"
	WarStateEnded = "ENDED"
)

// WarRecord хранит наблюдаемое состояние одной войны клана.
type WarRecord struct {
	ID            int64
	ChatID        int64
	WarID         string
	State         string
	EndTime       *time.Time
	SummaryPosted bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CurrentWar — ответ API по текущей войне клана.
type CurrentWar struct {
	State                string  `json:"state"`
	TeamSize             int     `json:"teamSize"`
	AttacksPerMember     int     `json:"attacksPerMember"`
	PreparationStartTime string  `json:"preparationStartTime"`
	StartTime            string  `json:"startTime"`
	EndTime              string  `json:"endTime"`
	Clan                 WarClan `json:"clan"`
	Opponent             WarClan `json:"opponent"`
}

// WarClan описывает сторону войны.
type WarClan struct {
	Tag                   string      `json:"tag"`
	Name                  string      `json:"name"`
	Stars                 int         `json:"stars"`
	DestructionPercentage float64     `json:"destructionPercentage"`
	Members               []WarMember `json:"members"`
}

// WarMember — участник войны.
type WarMember struct {
	Tag     string      `json:"tag"`
	Name    string      `json:"name"`
	Attacks []WarAttack `json:"attacks"`
}

// WarAttack — одна атака участника.
type WarAttack struct {
	AttackerTag           string  `json:"attackerTag"`
	DefenderTag           string  `json:"defenderTag"`
	Stars                 int     `json:"stars"`
	DestructionPercentage float64 `json:"destructionPercentage"`
	Order                 int     `json:"order"`
}

// Player — ответ API по игроку.
type Player struct {
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	TownHall int    `json:"townHallLevel"`
	Trophies int    `json:"trophies"`
}

// RaidSeason — один сезон рейдов столицы (элемент capitalraidseasons).
type RaidSeason struct {
	State                   string       `json:"state"`
	StartTime               string       `json:"startTime"`
	EndTime                 string       `json:"endTime"`
	CapitalTotalLoot        int          `json:"capitalTotalLoot"`
	RaidsCompleted          int          `json:"raidsCompleted"`
	TotalAttacks            int          `json:"totalAttacks"`
	EnemyDistrictsDestroyed int          `json:"enemyDistrictsDestroyed"`
	Members                 []RaidMember `json:"members"`
}

// RaidMember — участник рейдового сезона.
type RaidMember struct {
	Tag                    string `json:"tag"`
	Name                   string `json:"name"`
	Attacks                int    `json:"attacks"`
	CapitalResourcesLooted int    `json:"capitalResourcesLooted"`
}
