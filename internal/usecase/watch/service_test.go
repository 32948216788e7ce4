package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/domain"
)

// ---------------------------------------------------------------------------
// Стабы
// ---------------------------------------------------------------------------

type memStore struct {
	configs   []domain.ChatConfig
	wars      map[string]*domain.WarRecord
	reminders map[string]map[string]struct{}
	seasons   map[string]bool
	links     map[string]domain.UserLink
}

func newMemStore(configs ...domain.ChatConfig) *memStore {
	return &memStore{
		configs:   configs,
		wars:      make(map[string]*domain.WarRecord),
		reminders: make(map[string]map[string]struct{}),
		seasons:   make(map[string]bool),
		links:     make(map[string]domain.UserLink),
	}
}

func warKey(chatID int64, warID string) string { return fmt.Sprintf("%d|%s", chatID, warID) }

func remKey(chatID int64, warID string, threshold int) string {
	return fmt.Sprintf("%d|%s|%d", chatID, warID, threshold)
}

func (m *memStore) GetConfig(_ context.Context, chatID int64) (*domain.ChatConfig, error) {
	for i := range m.configs {
		if m.configs[i].ChatID == chatID {
			cfg := m.configs[i]
			return &cfg, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListConfigs(context.Context) ([]domain.ChatConfig, error) {
	return m.configs, nil
}

func (m *memStore) UpsertConfig(_ context.Context, chatID int64, _ domain.ConfigPatch) (domain.ChatConfig, error) {
	return domain.ChatConfig{ChatID: chatID}, nil
}

func (m *memStore) ListUserLinks(context.Context, int64, int64) ([]domain.UserLink, error) {
	return nil, nil
}

func (m *memStore) GetLinkByTag(_ context.Context, chatID int64, tag string) (*domain.UserLink, error) {
	link, ok := m.links[fmt.Sprintf("%d|%s", chatID, domain.NormalizeTag(tag))]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (m *memStore) UpsertLink(context.Context, int64, int64, string, string) (bool, error) {
	return true, nil
}

func (m *memStore) RemoveLink(context.Context, int64, int64, string) (bool, error) { return false, nil }

func (m *memStore) RemoveAllLinks(context.Context, int64, int64) (int64, error) { return 0, nil }

func (m *memStore) GetWar(_ context.Context, chatID int64, warID string) (*domain.WarRecord, error) {
	war, ok := m.wars[warKey(chatID, warID)]
	if !ok {
		return nil, nil
	}
	cp := *war
	return &cp, nil
}

func (m *memStore) UpsertWar(_ context.Context, chatID int64, warID, state string, endTime *time.Time) (domain.WarRecord, error) {
	key := warKey(chatID, warID)
	war, ok := m.wars[key]
	if !ok {
		war = &domain.WarRecord{ChatID: chatID, WarID: warID}
		m.wars[key] = war
	}
	war.State = state
	war.EndTime = endTime
	return *war, nil
}

func (m *memStore) MarkSummaryPosted(_ context.Context, chatID int64, warID string) error {
	war, ok := m.wars[warKey(chatID, warID)]
	if !ok {
		return errors.New("война не найдена")
	}
	war.SummaryPosted = true
	return nil
}

func (m *memStore) RemindedTags(_ context.Context, chatID int64, warID string, threshold int) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for tag := range m.reminders[remKey(chatID, warID, threshold)] {
		out[tag] = struct{}{}
	}
	return out, nil
}

func (m *memStore) AddReminded(_ context.Context, chatID int64, warID string, tags []string, threshold int) error {
	key := remKey(chatID, warID, threshold)
	if m.reminders[key] == nil {
		m.reminders[key] = make(map[string]struct{})
	}
	for _, tag := range tags {
		m.reminders[key][domain.NormalizeTag(tag)] = struct{}{}
	}
	return nil
}

func (m *memStore) IsSeasonPosted(_ context.Context, chatID int64, seasonEnd string) (bool, error) {
	return m.seasons[fmt.Sprintf("%d|%s", chatID, seasonEnd)], nil
}

func (m *memStore) MarkSeasonPosted(_ context.Context, chatID int64, seasonEnd string) error {
	m.seasons[fmt.Sprintf("%d|%s", chatID, seasonEnd)] = true
	return nil
}

type fakeClash struct {
	war        *domain.CurrentWar
	warErr     error
	seasons    []domain.RaidSeason
	seasonsErr error
}

func (f *fakeClash) CurrentWar(context.Context, string) (*domain.CurrentWar, error) {
	if f.warErr != nil {
		return nil, f.warErr
	}
	return f.war, nil
}

func (f *fakeClash) Player(context.Context, string) (*domain.Player, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeClash) RaidSeasons(context.Context, string) ([]domain.RaidSeason, error) {
	if f.seasonsErr != nil {
		return nil, f.seasonsErr
	}
	return f.seasons, nil
}

type sentMessage struct {
	chat int64
	text string
}

type fakeSender struct {
	sent     []sentMessage
	failNext int
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("доставка сорвалась")
	}
	f.sent = append(f.sent, sentMessage{chat: chatID, text: text})
	return nil
}

// ---------------------------------------------------------------------------
// Хелперы
// ---------------------------------------------------------------------------

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func clashStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

func newTestService(store *memStore, clash *fakeClash, sender *fakeSender) *Service {
	svc := NewService(store, store, store, store, store, clash, sender, zerolog.Nop())
	svc.now = func() time.Time { return baseTime }
	return svc
}

func inWarPayload(minutesUntilEnd int, members ...domain.WarMember) *domain.CurrentWar {
	return &domain.CurrentWar{
		State:                "inWar",
		TeamSize:             len(members),
		AttacksPerMember:     2,
		PreparationStartTime: clashStamp(baseTime.Add(-24 * time.Hour)),
		EndTime:              clashStamp(baseTime.Add(time.Duration(minutesUntilEnd) * time.Minute)),
		Clan:                 domain.WarClan{Tag: "#CLAN", Name: "Our Clan", Members: members},
		Opponent:             domain.WarClan{Name: "Them"},
	}
}

func testConfig() domain.ChatConfig {
	return domain.ChatConfig{
		ChatID:     100,
		ClanTag:    "#CLAN2",
		WarChatID:  200,
		Thresholds: []int{60},
	}
}

// ---------------------------------------------------------------------------
// Напоминания
// ---------------------------------------------------------------------------

func TestTickSkipsChatsWithoutClan(t *testing.T) {
	store := newMemStore(domain.ChatConfig{ChatID: 1})
	clash := &fakeClash{warErr: errors.New("не должен вызываться")}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("для ненастроенного чата ничего не отправляется")
	}
}

func TestReminderDelivered(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	done := domain.WarMember{Tag: "#ABCDE", Name: "Done", Attacks: []domain.WarAttack{{}, {}}}
	store := newMemStore(testConfig())
	clash := &fakeClash{war: inWarPayload(45, idle, done)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("ожидали 1 сообщение, получили %d", len(sender.sent))
	}
	if sender.sent[0].chat != 200 {
		t.Fatalf("сообщение ушло не в war-чат: %d", sender.sent[0].chat)
	}
	if !strings.Contains(sender.sent[0].text, "Sleepy") {
		t.Fatalf("в напоминании нет игрока без атак: %q", sender.sent[0].text)
	}
	if strings.Contains(sender.sent[0].text, "Done") {
		t.Fatal("игрок с использованными атаками не должен попадать в напоминание")
	}

	ledger := store.reminders[remKey(100, "#CLAN2_"+clash.war.PreparationStartTime, 60)]
	if len(ledger) != 1 {
		t.Fatalf("ожидали 1 запись в журнале, получили %d", len(ledger))
	}
	if _, ok := ledger["#PQRST"]; !ok {
		t.Fatal("в журнале нет тега напомненного игрока")
	}
}

func TestReminderIdempotent(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	store := newMemStore(testConfig())
	clash := &fakeClash{war: inWarPayload(45, idle)}
	sender := &fakeSender{}
	svc := newTestService(store, clash, sender)

	for i := 0; i < 2; i++ {
		if err := svc.Tick(context.Background()); err != nil {
			t.Fatalf("проход %d: %v", i, err)
		}
	}
	if len(sender.sent) != 1 {
		t.Fatalf("повторный проход не должен слать второе напоминание, получили %d", len(sender.sent))
	}
}

func TestReminderRetriedAfterDeliveryFailure(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	store := newMemStore(testConfig())
	clash := &fakeClash{war: inWarPayload(45, idle)}
	sender := &fakeSender{failNext: 1}
	svc := newTestService(store, clash, sender)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.reminders) != 0 {
		t.Fatal("при сорвавшейся доставке журнал не пишется")
	}

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали доставку со второго прохода, получили %d сообщений", len(sender.sent))
	}
}

func TestReminderMentionsLinkedUser(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	store := newMemStore(testConfig())
	store.links["100|#PQRST"] = domain.UserLink{ChatID: 100, TGUserID: 777, PlayerTag: "#PQRST", Nickname: "Main"}
	clash := &fakeClash{war: inWarPayload(45, idle)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(sender.sent[0].text, `tg://user?id=777`) {
		t.Fatalf("ожидали упоминание привязанного аккаунта: %q", sender.sent[0].text)
	}
	if !strings.Contains(sender.sent[0].text, "Main") {
		t.Fatalf("ожидали отображение никнейма: %q", sender.sent[0].text)
	}
}

func TestLateObservationFiresAllElapsedThresholds(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	cfg := testConfig()
	cfg.Thresholds = []int{720, 180, 60}
	store := newMemStore(cfg)
	clash := &fakeClash{war: inWarPayload(30, idle)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("все прошедшие пороги срабатывают независимо, ожидали 3 сообщения, получили %d", len(sender.sent))
	}
}

func TestThresholdNotYetElapsed(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy"}
	store := newMemStore(testConfig())
	clash := &fakeClash{war: inWarPayload(90, idle)} // 90 > порога 60
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("порог ещё не прошёл, напоминаний быть не должно")
	}
}

// ---------------------------------------------------------------------------
// Итоги войны
// ---------------------------------------------------------------------------

func endedPayload(clanStars, oppStars int, clanDest, oppDest float64) *domain.CurrentWar {
	return &domain.CurrentWar{
		State:                "warEnded",
		TeamSize:             15,
		AttacksPerMember:     2,
		PreparationStartTime: clashStamp(baseTime.Add(-47 * time.Hour)),
		EndTime:              clashStamp(baseTime.Add(-time.Hour)),
		Clan:                 domain.WarClan{Name: "Our Clan", Stars: clanStars, DestructionPercentage: clanDest},
		Opponent:             domain.WarClan{Name: "Them", Stars: oppStars, DestructionPercentage: oppDest},
	}
}

func TestWarEndSummaryPostedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ResultsChatID = 300
	store := newMemStore(cfg)
	clash := &fakeClash{war: endedPayload(30, 28, 80, 75)}
	sender := &fakeSender{}
	svc := newTestService(store, clash, sender)

	for i := 0; i < 2; i++ {
		if err := svc.Tick(context.Background()); err != nil {
			t.Fatalf("проход %d: %v", i, err)
		}
	}

	if len(sender.sent) != 1 {
		t.Fatalf("итоги публикуются один раз, получили %d сообщений", len(sender.sent))
	}
	if sender.sent[0].chat != 300 {
		t.Fatalf("итоги должны уйти в results-чат, ушли в %d", sender.sent[0].chat)
	}
	if !strings.Contains(sender.sent[0].text, "Victory") {
		t.Fatalf("при 30 > 28 звёздах ожидали Victory: %q", sender.sent[0].text)
	}
}

func TestWarEndTiebreakerByDestruction(t *testing.T) {
	cfg := testConfig()
	store := newMemStore(cfg)
	clash := &fakeClash{war: endedPayload(28, 28, 80.0, 75.0)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(sender.sent[0].text, "tiebreaker") {
		t.Fatalf("при равных звёздах и 80 > 75 ожидали tiebreaker: %q", sender.sent[0].text)
	}
	if !strings.Contains(sender.sent[0].text, "Victory") {
		t.Fatalf("ожидали победу по разрушениям: %q", sender.sent[0].text)
	}
}

func TestWarEndFallsBackToWarChat(t *testing.T) {
	store := newMemStore(testConfig()) // results-чат не задан
	clash := &fakeClash{war: endedPayload(10, 20, 50, 60)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if sender.sent[0].chat != 200 {
		t.Fatalf("ожидали фолбэк в war-чат, ушло в %d", sender.sent[0].chat)
	}
	if !strings.Contains(sender.sent[0].text, "Defeat") {
		t.Fatalf("ожидали Defeat: %q", sender.sent[0].text)
	}
}

func TestWarEndNoDestinationMarksAnyway(t *testing.T) {
	cfg := testConfig()
	cfg.WarChatID = 0
	store := newMemStore(cfg)
	clash := &fakeClash{war: endedPayload(1, 2, 10, 20)}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("без чата назначения отправки быть не должно")
	}
	warID := "#CLAN2_" + clash.war.PreparationStartTime
	if rec := store.wars[warKey(100, warID)]; rec == nil || !rec.SummaryPosted {
		t.Fatal("флаг должен быть выставлен и без чата, чтобы не зациклиться")
	}
}

func TestWarEndMarkedDespiteDeliveryFailure(t *testing.T) {
	store := newMemStore(testConfig())
	clash := &fakeClash{war: endedPayload(5, 5, 50, 50)}
	sender := &fakeSender{failNext: 1}
	svc := newTestService(store, clash, sender)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Осознанный at-most-once: сорвавшаяся сводка не повторяется.
	if len(sender.sent) != 0 {
		t.Fatalf("повторной публикации быть не должно, получили %d", len(sender.sent))
	}
}

// ---------------------------------------------------------------------------
// Рейды столицы
// ---------------------------------------------------------------------------

func endedSeason(end string) domain.RaidSeason {
	return domain.RaidSeason{
		State:                   "ended",
		EndTime:                 end,
		CapitalTotalLoot:        91500,
		RaidsCompleted:          3,
		TotalAttacks:            120,
		EnemyDistrictsDestroyed: 12,
		Members: []domain.RaidMember{
			{Tag: "#AAAAA", Name: "Top", CapitalResourcesLooted: 20000, Attacks: 6},
			{Tag: "#BBBBB", Name: "Mid", CapitalResourcesLooted: 15000, Attacks: 5},
		},
	}
}

func TestCapitalSeasonPostedOnce(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Name: "Sleepy", Attacks: []domain.WarAttack{{}, {}}}
	store := newMemStore(testConfig())
	clash := &fakeClash{
		war:     inWarPayload(600, idle),
		seasons: []domain.RaidSeason{endedSeason("20250228T070000.000Z")},
	}
	sender := &fakeSender{}
	svc := newTestService(store, clash, sender)

	for i := 0; i < 2; i++ {
		if err := svc.Tick(context.Background()); err != nil {
			t.Fatalf("проход %d: %v", i, err)
		}
	}
	if len(sender.sent) != 1 {
		t.Fatalf("итоги сезона публикуются один раз, получили %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].text, "91,500") {
		t.Fatalf("ожидали сумму добычи с разделителями: %q", sender.sent[0].text)
	}

	// Новый сезон с другим endTime публикуется заново.
	clash.seasons = []domain.RaidSeason{endedSeason("20250307T070000.000Z")}
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("новый сезон должен публиковаться, получили %d сообщений", len(sender.sent))
	}
}

func TestCapitalSkipsOngoingSeason(t *testing.T) {
	idle := domain.WarMember{Tag: "#PQRST", Attacks: []domain.WarAttack{{}, {}}}
	store := newMemStore(testConfig())
	season := endedSeason("20250228T070000.000Z")
	season.State = "ongoing"
	clash := &fakeClash{war: inWarPayload(600, idle), seasons: []domain.RaidSeason{season}}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("незавершённый сезон не публикуется")
	}
}

// ---------------------------------------------------------------------------
// Изоляция ошибок
// ---------------------------------------------------------------------------

func TestAPIErrorSkipsChatWithoutPersistence(t *testing.T) {
	store := newMemStore(testConfig())
	clash := &fakeClash{warErr: &domain.APIError{Status: 503, Message: "maintenance"}}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("ошибка API не должна ронять проход: %v", err)
	}
	if len(store.wars) != 0 || len(sender.sent) != 0 {
		t.Fatal("при ошибке API не должно быть ни записей, ни отправок")
	}
}

func TestNotInWarSkipsEverything(t *testing.T) {
	store := newMemStore(testConfig())
	clash := &fakeClash{
		war:     &domain.CurrentWar{State: "notInWar"},
		seasons: []domain.RaidSeason{endedSeason("20250228T070000.000Z")},
	}
	sender := &fakeSender{}

	if err := newTestService(store, clash, sender).Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.wars) != 0 || len(sender.sent) != 0 {
		t.Fatal("вне войны чат пропускается целиком")
	}
}

type failingWarStore struct {
	*memStore
	failChatID int64
}

func (f *failingWarStore) UpsertWar(ctx context.Context, chatID int64, warID, state string, endTime *time.Time) (domain.WarRecord, error) {
	if chatID == f.failChatID {
		return domain.WarRecord{}, errors.New("хранилище недоступно")
	}
	return f.memStore.UpsertWar(ctx, chatID, warID, state, endTime)
}

func TestFailingChatDoesNotAbortOthers(t *testing.T) {
	bad := testConfig()
	good := testConfig()
	good.ChatID = 101
	good.ClanTag = "#GOODC"
	store := newMemStore(bad, good)
	wars := &failingWarStore{memStore: store, failChatID: bad.ChatID}

	clash := &fakeClash{war: inWarPayload(45, domain.WarMember{Tag: "#PQRST", Name: "Sleepy"})}
	sender := &fakeSender{}
	svc := NewService(store, store, wars, store, store, clash, sender, zerolog.Nop())
	svc.now = func() time.Time { return baseTime }

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("ошибка одного чата не должна ронять проход: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].chat != good.WarChatID {
		t.Fatalf("второй чат должен обработаться несмотря на сбой первого: %+v", sender.sent)
	}
}
