package watch

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"tg-clanwatch-bot/internal/domain"
)

const leaderboardLimit = 20

// ReminderEntry — один участник в тексте напоминания.
type ReminderEntry struct {
	Member    domain.WarMember
	Remaining int
	Link      *domain.UserLink
}

// HumanMinutes переводит минуты в короткую форму: 720 -> 12h, 90 -> 90m.
func HumanMinutes(minutes int) string {
	if minutes >= 60 && minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dm", minutes)
}

// HumanThresholds форматирует список порогов для ответа пользователю.
func HumanThresholds(thresholds []int) string {
	parts := make([]string, 0, len(thresholds))
	for _, t := range thresholds {
		parts = append(parts, HumanMinutes(t))
	}
	return strings.Join(parts, ", ")
}

func mention(link *domain.UserLink, fallbackName string) string {
	name := fallbackName
	if link.Nickname != "" {
		name = link.Nickname
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, link.TGUserID, html.EscapeString(name))
}

// BuildReminder формирует текст напоминания для одного порога.
func BuildReminder(entries []ReminderEntry, thresholdMinutes int) string {
	lines := []string{
		fmt.Sprintf("⏰ <b>War reminder — %s left</b>", HumanMinutes(thresholdMinutes)),
		"",
		"The following players still have attacks remaining:",
		"",
	}
	for _, e := range entries {
		tag := domain.NormalizeTag(e.Member.Tag)
		name := e.Member.Name
		if name == "" {
			name = tag
		}
		if e.Link != nil {
			lines = append(lines, fmt.Sprintf("%s (<code>%s</code>) — %d attack(s)",
				mention(e.Link, name), tag, e.Remaining))
		} else {
			lines = append(lines, fmt.Sprintf("%s <code>%s</code> — %d attack(s)",
				html.EscapeString(name), tag, e.Remaining))
		}
	}
	return strings.Join(lines, "\n")
}

// warResult возвращает метку исхода войны: сначала звёзды, при равенстве
// процент разрушений, иначе ничья.
func warResult(war *domain.CurrentWar) string {
	clan, opp := war.Clan, war.Opponent
	switch {
	case clan.Stars > opp.Stars:
		return "<b>Victory!</b> 🏆"
	case clan.Stars < opp.Stars:
		return "<b>Defeat</b> 😞"
	case clan.DestructionPercentage > opp.DestructionPercentage:
		return "<b>Victory! (tiebreaker — destruction)</b> 🏆"
	case clan.DestructionPercentage < opp.DestructionPercentage:
		return "<b>Defeat (tiebreaker — destruction)</b> 😞"
	default:
		return "<b>Tie</b> 🤝"
	}
}

func attacksPerMember(war *domain.CurrentWar) int {
	if war.AttacksPerMember > 0 {
		return war.AttacksPerMember
	}
	return 2
}

func sideName(side domain.WarClan, fallback string) string {
	if side.Name != "" {
		return html.EscapeString(side.Name)
	}
	return html.EscapeString(fallback)
}

// BuildWarSummary формирует итоговую сводку завершённой войны.
func BuildWarSummary(war *domain.CurrentWar, clanTag string) string {
	clanName := sideName(war.Clan, clanTag)
	oppName := sideName(war.Opponent, "Opponent")
	perMember := attacksPerMember(war)

	lines := []string{
		fmt.Sprintf("⚔️ <b>War Result — %s vs %s</b> (%dv%d)", clanName, oppName, war.TeamSize, war.TeamSize),
		"",
		warResult(war),
		"",
		fmt.Sprintf("<b>%s:</b> ⭐ %d | 💥 %.1f%%", clanName, war.Clan.Stars, war.Clan.DestructionPercentage),
		fmt.Sprintf("<b>%s:</b> ⭐ %d | 💥 %.1f%%", oppName, war.Opponent.Stars, war.Opponent.DestructionPercentage),
	}

	var missed []domain.WarMember
	for _, m := range war.Clan.Members {
		if domain.RemainingAttacks(m, perMember) > 0 {
			missed = append(missed, m)
		}
	}
	lines = append(lines, "")
	if len(missed) > 0 {
		lines = append(lines, fmt.Sprintf("<b>Missed attacks (%d players):</b>", len(missed)))
		for _, m := range missed {
			name := m.Name
			if name == "" {
				name = m.Tag
			}
			lines = append(lines, fmt.Sprintf("• %s <code>%s</code> — missed %d attack(s)",
				html.EscapeString(name), domain.NormalizeTag(m.Tag), domain.RemainingAttacks(m, perMember)))
		}
	} else {
		lines = append(lines, "All attacks were used! 💪")
	}

	return strings.Join(lines, "\n")
}

func formatGold(n int) string {
	raw := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && (len(raw)-i)%3 == 0 && r != '-' {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BuildCapitalSummary формирует сводку завершённого рейдового сезона:
// агрегаты плюс топ участников по добыче.
func BuildCapitalSummary(season domain.RaidSeason) string {
	lines := []string{
		"🏰 <b>Clan Capital Raid Weekend Summary</b>",
		"",
		fmt.Sprintf("<b>Total Capital Gold Looted:</b> %s", formatGold(season.CapitalTotalLoot)),
		fmt.Sprintf("<b>Raids Completed:</b> %d", season.RaidsCompleted),
		fmt.Sprintf("<b>Total Attacks Used:</b> %d", season.TotalAttacks),
		fmt.Sprintf("<b>Enemy Districts Destroyed:</b> %d", season.EnemyDistrictsDestroyed),
	}

	if len(season.Members) > 0 {
		members := make([]domain.RaidMember, len(season.Members))
		copy(members, season.Members)
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].CapitalResourcesLooted > members[j].CapitalResourcesLooted
		})

		lines = append(lines, "", fmt.Sprintf("<b>Participants (%d):</b>", len(members)))
		shown := members
		if len(shown) > leaderboardLimit {
			shown = shown[:leaderboardLimit]
		}
		for _, m := range shown {
			name := m.Name
			if name == "" {
				name = m.Tag
			}
			lines = append(lines, fmt.Sprintf("• %s — %s gold, %d attack(s)",
				html.EscapeString(name), formatGold(m.CapitalResourcesLooted), m.Attacks))
		}
		if rest := len(members) - leaderboardLimit; rest > 0 {
			lines = append(lines, fmt.Sprintf("… and %d more", rest))
		}
	}

	return strings.Join(lines, "\n")
}

// BuildWarStatus формирует ответ на команду /war.
func BuildWarStatus(war *domain.CurrentWar, clanTag string, now time.Time) string {
	clanName := sideName(war.Clan, clanTag)
	oppName := sideName(war.Opponent, "Opponent")
	perMember := attacksPerMember(war)

	if war.State == "preparation" {
		timeLine := "War is in preparation"
		if war.StartTime != "" {
			if start, err := domain.ParseClashTime(war.StartTime); err == nil {
				if left := start.Sub(now); left > 0 {
					h := int(left.Hours())
					m := int(left.Minutes()) % 60
					timeLine = fmt.Sprintf("War starts in <b>%dh %dm</b>", h, m)
				} else {
					timeLine = "War is starting soon"
				}
			}
		}
		return fmt.Sprintf("<b>%s</b> vs <b>%s</b> (%dv%d)\n%s",
			clanName, oppName, war.TeamSize, war.TeamSize, timeLine)
	}

	timeLine := ""
	if war.EndTime != "" {
		if end, err := domain.ParseClashTime(war.EndTime); err == nil {
			left := end.Sub(now)
			if war.State == "inWar" && left > 0 {
				h := int(left.Hours())
				m := int(left.Minutes()) % 60
				timeLine = fmt.Sprintf("<b>%dh %dm remaining</b>", h, m)
			} else {
				timeLine = "<b>War has ended</b>"
			}
		}
	}

	lines := []string{
		fmt.Sprintf("<b>%s</b> vs <b>%s</b> (%dv%d)", clanName, oppName, war.TeamSize, war.TeamSize),
		timeLine,
		"",
		fmt.Sprintf("<b>%s:</b> ⭐ %d | 💥 %.1f%%", clanName, war.Clan.Stars, war.Clan.DestructionPercentage),
		fmt.Sprintf("<b>%s:</b> ⭐ %d | 💥 %.1f%%", oppName, war.Opponent.Stars, war.Opponent.DestructionPercentage),
	}

	if war.State == "inWar" {
		var remaining []domain.WarMember
		for _, m := range war.Clan.Members {
			if domain.RemainingAttacks(m, perMember) > 0 {
				remaining = append(remaining, m)
			}
		}
		lines = append(lines, "")
		if len(remaining) > 0 {
			lines = append(lines, fmt.Sprintf("<b>Players with attacks remaining (%d):</b>", len(remaining)))
			for _, m := range remaining {
				name := m.Name
				if name == "" {
					name = m.Tag
				}
				lines = append(lines, fmt.Sprintf("• %s <code>%s</code> — %d attack(s)",
					html.EscapeString(name), domain.NormalizeTag(m.Tag), domain.RemainingAttacks(m, perMember)))
			}
		} else {
			lines = append(lines, "All players have used their attacks!")
		}
	}

	return strings.Join(lines, "\n")
}
