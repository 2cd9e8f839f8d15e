package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/platform/telegram"
)

func (b *Bot) cmdPending(ctx context.Context, ev Event) {
	reqs := b.requests.List()
	pays := b.payments.Pending()
	if len(reqs) == 0 && len(pays) == 0 {
		b.reply(ctx, ev.ChatID, "Nothing is pending.")
		return
	}

	var sb strings.Builder
	if len(reqs) > 0 {
		sb.WriteString("📋 Pending requests:\n")
		for _, r := range reqs {
			fmt.Fprintf(&sb, "• %s from %s (%s), %s\n", r.Kind, r.Name, r.Username, formatExpiry(r.CreatedAt))
		}
	}
	if len(pays) > 0 {
		sb.WriteString("\n💰 Pending payments:\n")
		for _, p := range pays {
			user, _ := b.users.Get(p.MediaID)
			fmt.Fprintf(&sb, "• %s, plan %s, ₹%d, %s\n", user.Username, p.PlanID, p.Amount, formatExpiry(p.CreatedAt))
		}
	}
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) cmdUsers(ctx context.Context, ev Event) {
	users := b.users.List()
	if len(users) == 0 {
		b.reply(ctx, ev.ChatID, "The registry is empty.")
		return
	}

	now := time.Now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "👥 %d users:\n", len(users))
	for _, u := range users {
		mark := "🔓"
		active, expiry := b.subs.Status(u.MediaID, now)
		switch {
		case active && expiry == nil:
			mark = "♾️"
		case active:
			mark = "✅"
		case u.Role.Permanent():
			mark = "♾️"
		default:
			mark = "⛔"
		}
		link := "unlinked"
		if u.Linked() {
			link = "linked"
		}
		fmt.Fprintf(&sb, "%s %s (%s, %s)\n", mark, u.Username, u.Role, link)
	}
	sb.WriteString("\nPick an account to manage, or use /user <username>.")

	var rows [][]telegram.InlineButton
	var row []telegram.InlineButton
	for _, u := range users {
		row = append(row, telegram.InlineButton{Text: u.Username, CallbackData: "user:" + u.MediaID})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	markup := &telegram.InlineKeyboard{InlineKeyboard: rows}
	if _, err := b.msgr.SendText(ctx, ev.ChatID, sb.String(), markup); err != nil {
		logger.Warn().Int64("chat_id", ev.ChatID).Err(err).Msg("Failed to deliver user list")
	}
}

func (b *Bot) cmdUser(ctx context.Context, ev Event) {
	if len(ev.Args) != 1 {
		b.reply(ctx, ev.ChatID, "Usage: /user <username>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	b.showUserDetail(ctx, ev.ChatID, user)
}

func (b *Bot) showUserDetail(ctx context.Context, chatID int64, user identity.User) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: %s\nRole: %s\n", user.Username, user.Role)
	if user.Linked() {
		fmt.Fprintf(&sb, "Linked chat: %d\n", user.ChatID)
	} else {
		sb.WriteString("Linked chat: none\n")
	}
	active, expiry := b.subs.Status(user.MediaID, time.Now())
	switch {
	case active && expiry == nil:
		sb.WriteString("Access: permanent\n")
	case active:
		fmt.Fprintf(&sb, "Subscription: until %s\n", formatExpiry(*expiry))
	default:
		sb.WriteString("Subscription: none\n")
	}
	if ticks, err := b.media.PlayedRuntimeTicks(ctx, user.MediaID); err == nil && ticks > 0 {
		// Runtime ticks are 100ns units
		fmt.Fprintf(&sb, "Watch time: %.1f hours\n", float64(ticks)/36e9)
	}

	markup := &telegram.InlineKeyboard{InlineKeyboard: [][]telegram.InlineButton{
		{
			{Text: "Enable", CallbackData: "user_action:enable:" + user.MediaID},
			{Text: "Disable", CallbackData: "user_action:disable:" + user.MediaID},
		},
		{
			{Text: "Downgrade", CallbackData: "user_action:downgrade:" + user.MediaID},
			{Text: "End subscription", CallbackData: "user_action:subend:" + user.MediaID},
		},
		{
			{Text: "🗑 Delete account", CallbackData: "user_action:delete:" + user.MediaID},
		},
	}}
	if _, err := b.msgr.SendText(ctx, chatID, sb.String(), markup); err != nil {
		logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to deliver user menu")
	}
}

func (b *Bot) cmdStats(ctx context.Context, ev Event) {
	var sb strings.Builder
	sb.WriteString("📊 Server stats\n")

	movies, err := b.media.TopItems(ctx, "Movie", "", 5)
	if err == nil && len(movies) > 0 {
		sb.WriteString("\nTop movies:\n")
		for i, m := range movies {
			fmt.Fprintf(&sb, "%d. %s (%d plays)\n", i+1, m.Name, m.PlayCount)
		}
	}
	episodes, err := b.media.TopItems(ctx, "Episode", "", 5)
	if err == nil && len(episodes) > 0 {
		sb.WriteString("\nTop episodes:\n")
		for i, e := range episodes {
			fmt.Fprintf(&sb, "%d. %s (%d plays)\n", i+1, e.Name, e.PlayCount)
		}
	}
	if sb.Len() == len("📊 Server stats\n") {
		sb.WriteString("\nNo playback data available.")
	}
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) cmdPayments(ctx context.Context, ev Event) {
	pays := b.payments.Pending()
	if len(pays) == 0 {
		b.reply(ctx, ev.ChatID, "No pending payments.")
		return
	}
	var sb strings.Builder
	sb.WriteString("💰 Pending payments:\n")
	for _, p := range pays {
		user, _ := b.users.Get(p.MediaID)
		fmt.Fprintf(&sb, "• %s, plan %s, ₹%d, since %s\n", user.Username, p.PlanID, p.Amount, formatExpiry(p.CreatedAt))
	}
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) cmdBroadcast(ctx context.Context, ev Event) {
	b.awaiting.Set(ev.ChatID, awaitBroadcast, "")
	b.reply(ctx, ev.ChatID, "Send me the message to broadcast to every linked user, or /cancel.")
}

func (b *Bot) finishBroadcast(ctx context.Context, ev Event) {
	sent := 0
	for _, u := range b.users.List() {
		if !u.Linked() || u.ChatID == ev.ChatID {
			continue
		}
		if _, err := b.msgr.SendText(ctx, u.ChatID, ev.Text, nil); err == nil {
			sent++
		}
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("📣 Broadcast delivered to %d users.", sent))
}

func (b *Bot) broadcastMedia(ctx context.Context, ev Event) {
	sent := 0
	for _, u := range b.users.List() {
		if !u.Linked() || u.ChatID == ev.ChatID {
			continue
		}
		var err error
		if ev.Kind == EventVideo {
			_, err = b.msgr.SendVideo(ctx, u.ChatID, ev.FileID, ev.Caption, nil)
		} else {
			_, err = b.msgr.SendPhoto(ctx, u.ChatID, ev.FileID, ev.Caption, nil)
		}
		if err == nil {
			sent++
		}
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("📣 Broadcast delivered to %d users.", sent))
}

func (b *Bot) cmdMessage(ctx context.Context, ev Event) {
	if len(ev.Args) < 1 {
		b.reply(ctx, ev.ChatID, "Usage: /message <username> [text]")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	if !user.Linked() {
		b.reply(ctx, ev.ChatID, "That account has no linked Telegram.")
		return
	}

	if len(ev.Args) > 1 {
		b.sendDirect(ctx, ev.ChatID, user.ChatID, strings.Join(ev.Args[1:], " "))
		return
	}
	b.awaiting.Set(ev.ChatID, awaitDirectMessage, strconv.FormatInt(user.ChatID, 10))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Send me the message for %s, or /cancel.", user.Username))
}

func (b *Bot) finishDirectMessage(ctx context.Context, ev Event, payload string) {
	target, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || target == 0 {
		b.reply(ctx, ev.ChatID, "The message target is gone. Use /message again.")
		return
	}
	b.sendDirect(ctx, ev.ChatID, target, ev.Text)
}

func (b *Bot) sendDirect(ctx context.Context, adminChat, target int64, text string) {
	if _, err := b.msgr.SendText(ctx, target, "💬 Message from the admins:\n\n"+text, nil); err != nil {
		b.reply(ctx, adminChat, "Delivery failed, the user may have blocked the bot.")
		return
	}
	b.reply(ctx, adminChat, "Delivered.")
}

func (b *Bot) cmdSubInfo(ctx context.Context, ev Event) {
	if len(ev.Args) != 1 {
		b.reply(ctx, ev.ChatID, "Usage: /subinfo <username>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	if user.Role.Permanent() {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("%s has permanent access (%s).", user.Username, user.Role))
		return
	}
	entry, ok := b.subs.Get(user.MediaID)
	if !ok {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("%s has no subscription on record.", user.Username))
		return
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf(
		"%s\nActivated: %s\nExpires: %s\nTotal days purchased: %d",
		user.Username, formatExpiry(entry.ActivatedAt), formatExpiry(entry.ExpiresAt), entry.DurationDays))
}

func (b *Bot) cmdSubExtend(ctx context.Context, ev Event) {
	if len(ev.Args) != 2 {
		b.reply(ctx, ev.ChatID, "Usage: /subextend <username> <days>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	days, err := strconv.Atoi(ev.Args[1])
	if err != nil || days <= 0 {
		b.reply(ctx, ev.ChatID, "Days must be a positive number.")
		return
	}

	expiry, err := b.subs.Activate(ctx, user.MediaID, days, time.Now())
	if err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}
	if expiry == nil {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("%s has permanent access, nothing to extend.", user.Username))
		return
	}
	b.monitor.ResetEnforcement(user.MediaID)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s now has access until %s.", user.Username, formatExpiry(*expiry)))
	if user.Linked() {
		b.reply(ctx, user.ChatID, fmt.Sprintf("🎉 An admin extended your subscription until %s.", formatExpiry(*expiry)))
	}
}

func (b *Bot) cmdSubEnd(ctx context.Context, ev Event) {
	if len(ev.Args) != 1 {
		b.reply(ctx, ev.ChatID, "Usage: /subend <username>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}

	if err := b.subs.End(ctx, user.MediaID, time.Now()); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}
	// The monitor will disable and notify on the next pass
	b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ The subscription of %s is now expired.", user.Username))
}

// cmdAdminLink attaches a chat to an account without the approval flow,
// for migrations and support cases.
func (b *Bot) cmdAdminLink(ctx context.Context, ev Event) {
	if len(ev.Args) != 2 {
		b.reply(ctx, ev.ChatID, "Usage: /link <username> <chat_id>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	chatID, err := strconv.ParseInt(ev.Args[1], 10, 64)
	if err != nil || chatID == 0 {
		b.reply(ctx, ev.ChatID, "That chat id doesn't look right.")
		return
	}
	if other, ok := b.users.LookupByChatID(chatID); ok && other.MediaID != user.MediaID {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Chat %d is already linked to %s.", chatID, other.Username))
		return
	}

	user.ChatID = chatID
	b.users.Upsert(ctx, user)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is now linked to chat %d.", user.Username, chatID))
}

func (b *Bot) cmdAdminUnlink(ctx context.Context, ev Event) {
	if len(ev.Args) != 1 {
		b.reply(ctx, ev.ChatID, "Usage: /unlink <username>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}
	if !user.Linked() {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("%s has no linked chat.", user.Username))
		return
	}

	user.ChatID = 0
	b.users.Upsert(ctx, user)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is now unlinked.", user.Username))
}

func (b *Bot) cmdDowngrade(ctx context.Context, ev Event) {
	if len(ev.Args) != 1 {
		b.reply(ctx, ev.ChatID, "Usage: /downgrade <username>")
		return
	}
	user, ok := b.users.LookupByUsername(ev.Args[0])
	if !ok {
		b.reply(ctx, ev.ChatID, "I couldn't find that account.")
		return
	}

	if err := b.approve.Downgrade(ctx, user.MediaID); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is now a regular user.", user.Username))
}
