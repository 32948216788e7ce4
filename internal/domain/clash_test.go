package domain

import (
	"testing"
	"time"
)

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc123", "#ABC123"},
		{"#abc123", "#ABC123"},
		{"  #2pp0  ", "#2PP0"},
		{"", "#"},
	}
	for _, tc := range cases {
		if got := NormalizeTag(tc.in); got != tc.want {
			t.Fatalf("NormalizeTag(%q) = %q, ожидали %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeTagIdempotent(t *testing.T) {
	for _, in := range []string{"abc123", "#2PP", " qqq "} {
		once := NormalizeTag(in)
		if twice := NormalizeTag(once); twice != once {
			t.Fatalf("повторная нормализация %q изменила результат: %q -> %q", in, once, twice)
		}
	}
}

func TestIsValidTag(t *testing.T) {
	valid := []string{"#ABCDE", "2pplc", "#8QU8J9LP", "#YLQGRJCUV"}
	for _, tag := range valid {
		if !IsValidTag(tag) {
			t.Fatalf("ожидали валидный тег %q", tag)
		}
	}
	invalid := []string{
		"#AB",          // короче 5 символов
		"#ABCDEFGHJJ",  // длиннее 9 символов
		"#ABCDO",       // буква O
		"#ABCDI",       // буква I
		"#ABCD1",       // цифра 1
		"#ABCD0",       // цифра 0
		"#ABCD-",
		"",
	}
	for _, tag := range invalid {
		if IsValidTag(tag) {
			t.Fatalf("ожидали невалидный тег %q", tag)
		}
	}
}

func TestParseClashTime(t *testing.T) {
	ts, err := ParseClashTime("20250101T120000.000Z")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("ожидали %v, получили %v", want, ts)
	}
}

func TestParseClashTimeRejectsDeviation(t *testing.T) {
	bad := []string{
		"2025-01-01T12:00:00Z",
		"20250101T120000Z",
		"20250101120000.000Z",
		"",
	}
	for _, raw := range bad {
		if _, err := ParseClashTime(raw); err == nil {
			t.Fatalf("ожидали ошибку для %q", raw)
		}
	}
}

func TestRemainingAttacks(t *testing.T) {
	atk := WarAttack{Stars: 2}
	cases := []struct {
		member WarMember
		per    int
		want   int
	}{
		{WarMember{}, 2, 2},
		{WarMember{Attacks: []WarAttack{atk}}, 2, 1},
		{WarMember{Attacks: []WarAttack{atk, atk}}, 2, 0},
		{WarMember{Attacks: []WarAttack{atk, atk, atk}}, 2, 0}, // не уходит в минус
	}
	for i, tc := range cases {
		if got := RemainingAttacks(tc.member, tc.per); got != tc.want {
			t.Fatalf("кейс %d: ожидали %d, получили %d", i, tc.want, got)
		}
	}
}

func TestMakeWarID(t *testing.T) {
	a := CurrentWar{PreparationStartTime: "20250101T000000.000Z"}
	b := CurrentWar{PreparationStartTime: "20250101T000000.000Z"}
	c := CurrentWar{PreparationStartTime: "20250115T000000.000Z"}

	if MakeWarID("#2pp0lc", a) != MakeWarID("2PP0LC", b) {
		t.Fatal("одинаковое preparationStartTime должно давать одинаковый ID")
	}
	if MakeWarID("#2PP0LC", a) == MakeWarID("#2PP0LC", c) {
		t.Fatal("разное preparationStartTime должно давать разные ID")
	}
	if got := MakeWarID("#2PP0LC", CurrentWar{}); got != "#2PP0LC_UNKNOWN" {
		t.Fatalf("ожидали сентинел UNKNOWN, получили %q", got)
	}
}

func TestMapWarState(t *testing.T) {
	cases := map[string]string{
		"preparation": WarStatePrep,
		"inWar":       WarStateInWar,
		"warEnded":    WarStateEnded,
		"notInWar":    "notInWar",
		"somethingNew": "somethingNew",
	}
	for in, want := range cases {
		if got := MapWarState(in); got != want {
			t.Fatalf("MapWarState(%q) = %q, ожидали %q", in, got, want)
		}
	}
}

func TestEffectiveChats(t *testing.T) {
	cfg := ChatConfig{WarChatID: 1}
	if cfg.EffectiveResultsChat() != 1 || cfg.EffectiveCapitalChat() != 1 {
		t.Fatal("без явных чатов оба фолбэка ведут в war-чат")
	}
	cfg.ResultsChatID = 2
	if cfg.EffectiveResultsChat() != 2 || cfg.EffectiveCapitalChat() != 2 {
		t.Fatal("results-чат перекрывает фолбэк")
	}
	cfg.CapitalChatID = 3
	if cfg.EffectiveCapitalChat() != 3 {
		t.Fatal("capital-чат имеет приоритет")
	}
}
