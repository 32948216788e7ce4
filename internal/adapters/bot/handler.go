package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-clanwatch-bot/internal/adapters/telegram"
	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/metrics"
	"tg-clanwatch-bot/internal/usecase/linking"
	"tg-clanwatch-bot/internal/usecase/settings"
	"tg-clanwatch-bot/internal/usecase/watch"
)

// Handler обслуживает вебхук бота.
type Handler struct {
	bot        *tgbotapi.BotAPI
	log        zerolog.Logger
	settingsUC *settings.Service
	linkingUC  *linking.Service
	configs    domain.ConfigRepo
	links      domain.LinkRepo
	clash      domain.ClashAPI
}

// NewHandler создаёт обработчик.
func NewHandler(
	bot *tgbotapi.BotAPI,
	log zerolog.Logger,
	settingsUC *settings.Service,
	linkingUC *linking.Service,
	configs domain.ConfigRepo,
	links domain.LinkRepo,
	clash domain.ClashAPI,
) *Handler {
	return &Handler{
		bot:        bot,
		log:        log,
		settingsUC: settingsUC,
		linkingUC:  linkingUC,
		configs:    configs,
		links:      links,
		clash:      clash,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil || !upd.Message.IsCommand() {
		return
	}
	h.handleCommand(ctx, upd.Message)
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		h.reply(msg.Chat.ID, buildHelpMessage())
	case "setclan":
		h.requireAdmin(msg, func() { h.handleSetClan(ctx, msg, args) })
	case "setwarchannel":
		h.requireAdmin(msg, func() { h.handleSetChannel(ctx, msg, settings.ChannelWar, args) })
	case "setresultschannel":
		h.requireAdmin(msg, func() { h.handleSetChannel(ctx, msg, settings.ChannelResults, args) })
	case "setcapitalchannel":
		h.requireAdmin(msg, func() { h.handleSetChannel(ctx, msg, settings.ChannelCapital, args) })
	case "setreminders":
		h.requireAdmin(msg, func() { h.handleSetReminders(ctx, msg, args) })
	case "status":
		h.requireAdmin(msg, func() { h.handleStatus(ctx, msg) })
	case "testreminder":
		h.requireAdmin(msg, func() { h.handleTestReminder(ctx, msg) })
	case "link":
		h.handleLink(ctx, msg, args)
	case "unlink":
		h.handleUnlink(ctx, msg, args)
	case "unlinkall":
		h.handleUnlinkAll(ctx, msg)
	case "links":
		h.handleLinks(ctx, msg)
	case "war":
		h.handleWar(ctx, msg)
	default:
		h.reply(msg.Chat.ID, "Unknown command. Use /help for the list of commands.")
	}
}

// requireAdmin выполняет fn только для администратора группы.
// В личном чате проверка не нужна.
func (h *Handler) requireAdmin(msg *tgbotapi.Message, fn func()) {
	if !msg.Chat.IsPrivate() && !h.isChatAdmin(msg.Chat.ID, msg.From.ID) {
		h.reply(msg.Chat.ID, "Only chat administrators can use this command.")
		return
	}
	fn()
}

func (h *Handler) isChatAdmin(chatID, userID int64) bool {
	start := time.Now()
	member, err := h.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_member", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Int64("user", userID).Msg("не удалось проверить права администратора")
		return false
	}
	return member.Status == "creator" || member.Status == "administrator"
}

func (h *Handler) handleSetClan(ctx context.Context, msg *tgbotapi.Message, args string) {
	if args == "" {
		h.reply(msg.Chat.ID, "Usage: /setclan #CLANTAG")
		return
	}
	tag, err := h.settingsUC.SetClan(ctx, msg.Chat.ID, args)
	if err != nil {
		switch {
		case errors.Is(err, settings.ErrInvalidTag):
			h.reply(msg.Chat.ID, "Invalid clan tag. Example: /setclan #2PP0JQ9")
		default:
			h.reply(msg.Chat.ID, fmt.Sprintf("Could not verify the clan: %v", err))
		}
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Watching clan <b>%s</b>. War and raid updates will be posted here unless you configure separate channels.", tag))
}

func (h *Handler) handleSetChannel(ctx context.Context, msg *tgbotapi.Message, kind settings.ChannelKind, args string) {
	destChatID, err := parseChatIDArg(args, msg.Chat.ID)
	if err != nil {
		h.reply(msg.Chat.ID, "Invalid chat id. Send the command without arguments to use the current chat.")
		return
	}
	if err := h.settingsUC.SetChannel(ctx, msg.Chat.ID, kind, destChatID); err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not save the channel: %v", err))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("%s will be posted to chat <code>%d</code>.", channelKindLabel(kind), destChatID))
}

func (h *Handler) handleSetReminders(ctx context.Context, msg *tgbotapi.Message, args string) {
	thresholds, err := h.settingsUC.SetThresholds(ctx, msg.Chat.ID, strings.Fields(args))
	if err != nil {
		switch {
		case errors.Is(err, settings.ErrNoThresholds):
			h.reply(msg.Chat.ID, "Usage: /setreminders 12h 3h 60")
		case errors.Is(err, settings.ErrInvalidThreshold):
			h.reply(msg.Chat.ID, "Thresholds must be positive, e.g. 12h, 90m or 45.")
		default:
			h.reply(msg.Chat.ID, fmt.Sprintf("Could not save reminders: %v", err))
		}
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Reminders will fire at %s before war end.", watch.HumanThresholds(thresholds)))
}

func (h *Handler) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	st, err := h.settingsUC.Status(ctx, msg.Chat.ID)
	if err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not read the configuration: %v", err))
		return
	}
	h.reply(msg.Chat.ID, buildStatusMessage(st))
}

func (h *Handler) handleTestReminder(ctx context.Context, msg *tgbotapi.Message) {
	cfg, err := h.configs.GetConfig(ctx, msg.Chat.ID)
	if err != nil || cfg == nil || cfg.ClanTag == "" {
		h.reply(msg.Chat.ID, "Set the clan first: /setclan #CLANTAG")
		return
	}
	war, err := h.clash.CurrentWar(ctx, cfg.ClanTag)
	if err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not fetch the current war: %v", clashErrorText(err)))
		return
	}
	if domain.MapWarState(war.State) != domain.WarStateInWar {
		h.reply(msg.Chat.ID, "The clan is not in an active war right now.")
		return
	}
	entries := h.reminderEntries(ctx, msg.Chat.ID, war)
	if len(entries) == 0 {
		h.reply(msg.Chat.ID, "Everyone has used their attacks. Nothing to remind about.")
		return
	}
	thresholds := cfg.Thresholds
	if len(thresholds) == 0 {
		thresholds = domain.DefaultThresholds
	}
	h.reply(msg.Chat.ID, watch.BuildReminder(entries, thresholds[len(thresholds)-1]))
}

func (h *Handler) reminderEntries(ctx context.Context, chatID int64, war *domain.CurrentWar) []watch.ReminderEntry {
	perMember := war.AttacksPerMember
	if perMember <= 0 {
		perMember = 2
	}
	var entries []watch.ReminderEntry
	for _, member := range war.Clan.Members {
		remaining := domain.RemainingAttacks(member, perMember)
		if remaining == 0 {
			continue
		}
		link, err := h.links.GetLinkByTag(ctx, chatID, member.Tag)
		if err != nil {
			h.log.Warn().Err(err).Str("player", member.Tag).Msg("не удалось прочитать привязку")
		}
		entries = append(entries, watch.ReminderEntry{Member: member, Remaining: remaining, Link: link})
	}
	return entries
}

func (h *Handler) handleLink(ctx context.Context, msg *tgbotapi.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		h.reply(msg.Chat.ID, "Usage: /link #PLAYERTAG [nickname]")
		return
	}
	nickname := strings.Join(fields[1:], " ")
	res, err := h.linkingUC.Link(ctx, msg.Chat.ID, msg.From.ID, fields[0], nickname)
	if err != nil {
		switch {
		case errors.Is(err, linking.ErrInvalidTag):
			h.reply(msg.Chat.ID, "Invalid player tag. Example: /link #2PP0JQ9")
		case errors.Is(err, linking.ErrPlayerNotFound):
			h.reply(msg.Chat.ID, "Player not found. Check the tag and try again.")
		default:
			h.reply(msg.Chat.ID, fmt.Sprintf("Could not save the link: %v", err))
		}
		return
	}
	text := fmt.Sprintf("Linked <b>%s</b> (%s) to your account.", html.EscapeString(res.PlayerName), res.Tag)
	if !res.Verified {
		text += " The game API is unavailable, so the tag was saved without verification."
	}
	if !res.Created {
		text += " The previous owner of this tag was unlinked."
	}
	h.reply(msg.Chat.ID, text)
}

func (h *Handler) handleUnlink(ctx context.Context, msg *tgbotapi.Message, args string) {
	if args == "" {
		h.reply(msg.Chat.ID, "Usage: /unlink #PLAYERTAG")
		return
	}
	removed, err := h.linkingUC.Unlink(ctx, msg.Chat.ID, msg.From.ID, args)
	if err != nil {
		if errors.Is(err, linking.ErrInvalidTag) {
			h.reply(msg.Chat.ID, "Invalid player tag.")
			return
		}
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not remove the link: %v", err))
		return
	}
	if !removed {
		h.reply(msg.Chat.ID, "This tag is not linked to your account.")
		return
	}
	h.reply(msg.Chat.ID, "The tag has been unlinked.")
}

func (h *Handler) handleUnlinkAll(ctx context.Context, msg *tgbotapi.Message) {
	removed, err := h.linkingUC.UnlinkAll(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not remove the links: %v", err))
		return
	}
	if removed == 0 {
		h.reply(msg.Chat.ID, "You have no linked tags in this chat.")
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Removed %d linked tag(s).", removed))
}

func (h *Handler) handleLinks(ctx context.Context, msg *tgbotapi.Message) {
	links, err := h.linkingUC.List(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not read the links: %v", err))
		return
	}
	if len(links) == 0 {
		h.reply(msg.Chat.ID, "You have no linked tags. Use /link #PLAYERTAG to add one.")
		return
	}
	var b strings.Builder
	b.WriteString("Your linked tags:\n")
	for _, link := range links {
		line := "• " + link.PlayerTag
		if link.Nickname != "" {
			line += fmt.Sprintf(" (%s)", html.EscapeString(link.Nickname))
		}
		b.WriteString(line + "\n")
	}
	h.reply(msg.Chat.ID, b.String())
}

func (h *Handler) handleWar(ctx context.Context, msg *tgbotapi.Message) {
	cfg, err := h.configs.GetConfig(ctx, msg.Chat.ID)
	if err != nil || cfg == nil || cfg.ClanTag == "" {
		h.reply(msg.Chat.ID, "Set the clan first: /setclan #CLANTAG")
		return
	}
	war, err := h.clash.CurrentWar(ctx, cfg.ClanTag)
	if err != nil {
		h.reply(msg.Chat.ID, fmt.Sprintf("Could not fetch the current war: %v", clashErrorText(err)))
		return
	}
	h.reply(msg.Chat.ID, watch.BuildWarStatus(war, cfg.ClanTag, time.Now().UTC()))
}

// buildStatusMessage — сводка настроек и текущей войны.
func buildStatusMessage(st settings.Status) string {
	if st.Config == nil || st.Config.ClanTag == "" {
		return "The bot is not configured yet. Start with /setclan #CLANTAG."
	}
	cfg := st.Config
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Clan: <b>%s</b>\n", cfg.ClanTag))
	b.WriteString(fmt.Sprintf("Reminders: %s before war end\n", watch.HumanThresholds(cfg.Thresholds)))
	b.WriteString(fmt.Sprintf("War channel: %s\n", chatLabel(cfg.WarChatID)))
	b.WriteString(fmt.Sprintf("Results channel: %s\n", chatLabel(cfg.EffectiveResultsChat())))
	b.WriteString(fmt.Sprintf("Capital channel: %s\n", chatLabel(cfg.EffectiveCapitalChat())))
	switch {
	case st.WarErr != nil:
		b.WriteString(fmt.Sprintf("Current war: unavailable (%s)\n", clashErrorText(st.WarErr)))
	case st.War != nil:
		b.WriteString(fmt.Sprintf("Current war: %s\n", warStateLabel(st.War.State)))
	}
	return b.String()
}

func chatLabel(chatID int64) string {
	if chatID == 0 {
		return "not set"
	}
	return fmt.Sprintf("<code>%d</code>", chatID)
}

func warStateLabel(state string) string {
	switch domain.MapWarState(state) {
	case domain.WarStatePrep:
		return "preparation day"
	case domain.WarStateInWar:
		return "battle day"
	case domain.WarStateEnded:
		return "ended"
	default:
		if state == "notInWar" {
			return "no active war"
		}
		return state
	}
}

func channelKindLabel(kind settings.ChannelKind) string {
	switch kind {
	case settings.ChannelWar:
		return "War reminders"
	case settings.ChannelResults:
		return "War results"
	case settings.ChannelCapital:
		return "Capital raid summaries"
	default:
		return "Updates"
	}
}

func clashErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "clan not found or war log is private"
	case errors.Is(err, domain.ErrForbidden):
		return "access to the game API is denied"
	default:
		return err.Error()
	}
}

// parseChatIDArg возвращает chat id из аргумента команды; пустой аргумент
// означает текущий чат.
func parseChatIDArg(arg string, fallback int64) (int64, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return fallback, nil
	}
	return strconv.ParseInt(arg, 10, 64)
}

func buildHelpMessage() string {
	lines := []string{
		"🏰 Clan war watcher commands:",
		"",
		"Setup (chat administrators):",
		"• /setclan #CLANTAG — watch a clan in this chat.",
		"• /setwarchannel [chat id] — where to post attack reminders.",
		"• /setresultschannel [chat id] — where to post war results.",
		"• /setcapitalchannel [chat id] — where to post capital raid summaries.",
		"• /setreminders 12h 3h 60 — when to remind before war end.",
		"• /status — show the current configuration.",
		"• /testreminder — preview the reminder for the current war.",
		"",
		"Player links:",
		"• /link #PLAYERTAG [nickname] — get mentioned in reminders.",
		"• /unlink #PLAYERTAG — remove one link.",
		"• /unlinkall — remove all your links in this chat.",
		"• /links — list your linked tags.",
		"",
		"• /war — current war status.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) reply(chatID int64, text string) {
	for _, part := range telegram.SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Int64("chat", chatID).Msg("не удалось отправить сообщение")
			return
		}
	}
}
