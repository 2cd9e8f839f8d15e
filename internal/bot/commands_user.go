package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
	"medialink-bot-backend/internal/platform/telegram"
)

func (b *Bot) cmdStart(ctx context.Context, ev Event) {
	if user, ok := b.users.LookupByChatID(ev.ChatID); ok {
		b.reply(ctx, ev.ChatID, fmt.Sprintf(
			"👋 Hi %s! You're linked to the account %s.\n\n"+
				"/status — account and subscription status\n"+
				"/subscribe — buy or extend a subscription\n"+
				"/resetpw — request a password reset\n"+
				"/upgrade — request privileged access\n"+
				"/unlinkme — unlink this Telegram\n"+
				"/cancel — cancel a pending request",
			displayName(&user, ev.SenderName()), user.Username))
		return
	}
	b.reply(ctx, ev.ChatID,
		"👋 Welcome!\n\n"+
			"/register — request a new media account\n"+
			"/linkme — link an existing account to this Telegram\n"+
			"/cancel — cancel a pending request")
}

func (b *Bot) cmdRegister(ctx context.Context, ev Event) {
	if _, ok := b.users.LookupByChatID(ev.ChatID); ok {
		b.reply(ctx, ev.ChatID, "You already have a linked account. Use /status to see it.")
		return
	}
	if _, ok := b.requests.Get(ev.ChatID); ok {
		b.replyError(ctx, ev.ChatID, errors.NewAlreadyPendingError(ev.ChatID))
		return
	}
	b.awaiting.Set(ev.ChatID, awaitRegisterUsername, "")
	b.reply(ctx, ev.ChatID, "What username would you like? (3-32 characters, letters and digits)")
}

func (b *Bot) finishRegister(ctx context.Context, ev Event) {
	username := strings.TrimSpace(ev.Text)
	if !usernameRe.MatchString(username) {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeInvalidUsername, "invalid username"))
		return
	}
	if _, ok := b.users.LookupByUsername(username); ok {
		b.reply(ctx, ev.ChatID, "That username is taken. Try /register again with a different one.")
		return
	}
	available, err := b.media.UsernameAvailable(ctx, username)
	if err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}
	if !available {
		b.reply(ctx, ev.ChatID, "That username is taken. Try /register again with a different one.")
		return
	}

	req := request.Request{
		ChatID:    ev.ChatID,
		Kind:      request.KindRegister,
		Name:      ev.SenderName(),
		Username:  username,
		CreatedAt: time.Now().Unix(),
	}
	if err := b.requests.Create(ctx, req); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}

	sent := b.promptAdmins(ctx, req.Key(),
		fmt.Sprintf("📝 Registration request\n\nFrom: %s\nUsername: %s", req.Name, username),
		decisionKeyboard(request.KindRegister, ev.ChatID))
	if sent == 0 {
		b.reply(ctx, ev.ChatID, "Your request is queued, but no admin could be reached right now.")
		return
	}
	b.reply(ctx, ev.ChatID, "✅ Your registration request was sent to the admins. I'll let you know once it's decided.")
}

func (b *Bot) cmdLinkMe(ctx context.Context, ev Event) {
	if _, ok := b.users.LookupByChatID(ev.ChatID); ok {
		b.reply(ctx, ev.ChatID, "You already have a linked account. Use /unlinkme first if you want to relink.")
		return
	}
	if _, ok := b.requests.Get(ev.ChatID); ok {
		b.replyError(ctx, ev.ChatID, errors.NewAlreadyPendingError(ev.ChatID))
		return
	}
	b.awaiting.Set(ev.ChatID, awaitLinkUsername, "")
	b.reply(ctx, ev.ChatID, "What's the username of your existing media account?")
}

func (b *Bot) finishLink(ctx context.Context, ev Event) {
	username := strings.TrimSpace(ev.Text)
	user, ok := b.users.LookupByUsername(username)
	if !ok {
		b.reply(ctx, ev.ChatID, "I don't know that account. Check the spelling, or use /register to create one.")
		return
	}
	if user.Linked() {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeAlreadyLinked, "already linked"))
		return
	}

	req := request.Request{
		ChatID:        ev.ChatID,
		Kind:          request.KindLink,
		Name:          ev.SenderName(),
		Username:      username,
		TargetMediaID: user.MediaID,
		CreatedAt:     time.Now().Unix(),
	}
	if err := b.requests.Create(ctx, req); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}

	b.promptAdmins(ctx, req.Key(),
		fmt.Sprintf("🔗 Link request\n\nFrom: %s\nAccount: %s", req.Name, username),
		decisionKeyboard(request.KindLink, ev.ChatID))
	b.reply(ctx, ev.ChatID, "✅ Your link request was sent to the admins.")
}

func (b *Bot) cmdUnlinkMe(ctx context.Context, ev Event) {
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeNotLinked, "not linked"))
		return
	}

	req := request.Request{
		ChatID:    ev.ChatID,
		Kind:      request.KindUnlink,
		Name:      ev.SenderName(),
		Username:  user.Username,
		CreatedAt: time.Now().Unix(),
	}
	if err := b.requests.Create(ctx, req); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}

	b.promptAdmins(ctx, req.Key(),
		fmt.Sprintf("⛓️ Unlink request\n\nFrom: %s\nAccount: %s", req.Name, user.Username),
		decisionKeyboard(request.KindUnlink, ev.ChatID))
	b.reply(ctx, ev.ChatID, "✅ Your unlink request was sent to the admins.")
}

func (b *Bot) cmdUpgrade(ctx context.Context, ev Event) {
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeNotLinked, "not linked"))
		return
	}
	if user.Role.Permanent() {
		b.reply(ctx, ev.ChatID, "You already have permanent access, there is nothing to upgrade.")
		return
	}

	req := request.Request{
		ChatID:      ev.ChatID,
		Kind:        request.KindRoleUpgrade,
		Name:        ev.SenderName(),
		Username:    user.Username,
		CurrentRole: user.Role,
		TargetRole:  identity.RolePrivileged,
		CreatedAt:   time.Now().Unix(),
	}
	if err := b.requests.Create(ctx, req); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}

	b.promptAdmins(ctx, req.Key(),
		fmt.Sprintf("⬆️ Upgrade request\n\nFrom: %s\nAccount: %s\nCurrent role: %s\nRequested role: %s",
			req.Name, user.Username, req.CurrentRole, req.TargetRole),
		decisionKeyboard(request.KindRoleUpgrade, ev.ChatID))
	b.reply(ctx, ev.ChatID, "✅ Your upgrade request was sent to the admins.")
}

func (b *Bot) cmdResetPassword(ctx context.Context, ev Event) {
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeNotLinked, "not linked"))
		return
	}

	req := request.Request{
		ChatID:    ev.ChatID,
		Kind:      request.KindPasswordReset,
		Name:      ev.SenderName(),
		Username:  user.Username,
		CreatedAt: time.Now().Unix(),
	}
	if err := b.requests.Create(ctx, req); err != nil {
		b.replyError(ctx, ev.ChatID, err)
		return
	}

	b.promptAdmins(ctx, req.Key(),
		fmt.Sprintf("🔑 Password reset request\n\nFrom: %s\nAccount: %s", req.Name, user.Username),
		decisionKeyboard(request.KindPasswordReset, ev.ChatID))
	b.reply(ctx, ev.ChatID, "✅ Your password reset request was sent to the admins.")
}

func (b *Bot) cmdSubscribe(ctx context.Context, ev Event) {
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeNotLinked, "not linked"))
		return
	}
	if user.Role.Permanent() {
		b.reply(ctx, ev.ChatID, "Your access never expires, you don't need a subscription.")
		return
	}
	if pay, ok := b.payments.FindPendingByChat(ev.ChatID); ok {
		b.reply(ctx, ev.ChatID, fmt.Sprintf(
			"You already have a pending payment for the %s plan. Send the payment screenshot, or /cancel it first.", pay.PlanID))
		return
	}

	var rows [][]telegram.InlineButton
	for _, p := range b.sortedPlans() {
		rows = append(rows, []telegram.InlineButton{{
			Text:         fmt.Sprintf("%s — ₹%d", p.Name, p.Price),
			CallbackData: "plan:" + p.ID,
		}})
	}
	if _, err := b.msgr.SendText(ctx, ev.ChatID, "Choose a plan:", &telegram.InlineKeyboard{InlineKeyboard: rows}); err != nil {
		b.replyError(ctx, ev.ChatID, err)
	}
}

func (b *Bot) cmdStatus(ctx context.Context, ev Event) {
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.replyError(ctx, ev.ChatID, errors.New(errors.ErrCodeNotLinked, "not linked"))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: %s\nRole: %s\n", user.Username, user.Role)
	active, expiry := b.subs.Status(user.MediaID, time.Now())
	switch {
	case active && expiry == nil:
		sb.WriteString("Access: permanent\n")
	case active:
		fmt.Fprintf(&sb, "Subscription: active until %s\n", formatExpiry(*expiry))
	default:
		sb.WriteString("Subscription: none. Use /subscribe to activate one.\n")
	}
	if req, ok := b.requests.Get(ev.ChatID); ok {
		fmt.Fprintf(&sb, "Pending request: %s\n", req.Kind)
	}
	if pay, ok := b.payments.FindPendingByChat(ev.ChatID); ok {
		fmt.Fprintf(&sb, "Pending payment: %s plan, ₹%d\n", pay.PlanID, pay.Amount)
	}
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) cmdCancel(ctx context.Context, ev Event) {
	cancelled := false
	if req, ok := b.requests.Resolve(ctx, ev.ChatID); ok {
		b.requests.RetractPrompts(ctx, req.Key(), "🚫 Cancelled")
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Your %s request was cancelled.", req.Kind))
		cancelled = true
	}
	if pay, ok := b.payments.Cancel(ctx, ev.ChatID); ok {
		b.requests.RetractPrompts(ctx, request.PaymentKey(pay.ID), "🚫 Cancelled")
		b.reply(ctx, ev.ChatID, "Your pending payment was cancelled.")
		cancelled = true
	}
	if b.awaiting.Clear(ev.ChatID) {
		cancelled = true
	}
	if !cancelled {
		b.reply(ctx, ev.ChatID, "Nothing to cancel.")
	}
}

// forwardPaymentProof relays a payment screenshot to every admin with the
// decision buttons attached.
func (b *Bot) forwardPaymentProof(ctx context.Context, ev Event, pay payment.Request) {
	b.payments.SetProof(ctx, pay.ID, ev.MessageID)

	user, _ := b.users.Get(pay.MediaID)
	caption := fmt.Sprintf("💰 Payment proof\n\nAccount: %s\nPlan: %s\nAmount: ₹%d", user.Username, pay.PlanID, pay.Amount)
	markup := telegram.Row(
		telegram.InlineButton{Text: "✅ Approve", CallbackData: "pay_approve:" + pay.ID},
		telegram.InlineButton{Text: "❌ Reject", CallbackData: "pay_reject:" + pay.ID},
	)

	key := request.PaymentKey(pay.ID)
	sent := 0
	for _, adminChat := range b.users.AdminChats() {
		var msgID int64
		var err error
		if ev.Kind == EventVideo {
			msgID, err = b.msgr.SendVideo(ctx, adminChat, ev.FileID, caption, markup)
		} else {
			msgID, err = b.msgr.SendPhoto(ctx, adminChat, ev.FileID, caption, markup)
		}
		if err != nil {
			continue
		}
		b.requests.RecordPrompt(key, adminChat, msgID)
		sent++
	}
	if sent == 0 {
		b.reply(ctx, ev.ChatID, "I couldn't reach an admin right now. Your proof is noted, please try again later.")
		return
	}
	b.reply(ctx, ev.ChatID, "✅ Got it! Your payment is being verified, I'll let you know once it's confirmed.")
}

func displayName(user *identity.User, fallback string) string {
	if user.Name != "" {
		return user.Name
	}
	if fallback != "" {
		return fallback
	}
	return user.Username
}
