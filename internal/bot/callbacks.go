package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
)

func (b *Bot) handleCallback(ctx context.Context, ev Event) {
	parts := strings.SplitN(ev.Data, ":", 3)
	switch parts[0] {
	case "noop":
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
	case "plan":
		b.pickPlan(ctx, ev, parts)
	case "approve", "reject":
		b.decideRequest(ctx, ev, parts)
	case "pay_approve", "pay_reject":
		b.decidePayment(ctx, ev, parts)
	case "user":
		b.openUserMenu(ctx, ev, parts)
	case "user_action":
		b.userAction(ctx, ev, parts)
	default:
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
	}
}

func (b *Bot) pickPlan(ctx context.Context, ev Event, parts []string) {
	if len(parts) != 2 {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}
	plan, ok := b.plans[parts[1]]
	if !ok {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "That plan no longer exists")
		return
	}
	user, ok := b.users.LookupByChatID(ev.ChatID)
	if !ok {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Link an account first")
		return
	}

	if _, err := b.payments.Create(ctx, ev.ChatID, user.MediaID, plan); err != nil {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "You already have a pending payment")
		return
	}
	b.msgr.AnswerCallback(ctx, ev.CallbackID, "")

	b.reply(ctx, ev.ChatID, fmt.Sprintf(
		"💳 %s plan — ₹%d\n\nPay here:\n%s\n\n"+
			"Then send me a screenshot of the payment as proof. Use /cancel to abort.",
		plan.Name, plan.Price, payment.UpiLink(b.upiID, b.upiName, plan)))
}

func (b *Bot) decideRequest(ctx context.Context, ev Event, parts []string) {
	if len(parts) != 3 || !b.users.IsAdmin(ev.ChatID) {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}
	kind := request.Kind(parts[1])
	chatID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}

	if parts[0] == "approve" {
		err = b.approve.Approve(ctx, kind, chatID, ev.ChatID)
	} else {
		err = b.approve.Reject(ctx, kind, chatID, ev.ChatID)
	}
	b.answerDecision(ctx, ev, err)
}

func (b *Bot) decidePayment(ctx context.Context, ev Event, parts []string) {
	if len(parts) != 2 || !b.users.IsAdmin(ev.ChatID) {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}
	paymentID := parts[1]

	var err error
	if parts[0] == "pay_approve" {
		_, err = b.approve.ApprovePayment(ctx, paymentID, ev.ChatID)
	} else {
		_, err = b.approve.RejectPayment(ctx, paymentID, ev.ChatID)
	}
	b.answerDecision(ctx, ev, err)
}

func (b *Bot) answerDecision(ctx context.Context, ev Event, err error) {
	switch {
	case err == nil:
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Done")
	case errors.CodeOf(err) == errors.ErrCodeAlreadyProcessed:
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Already handled by another admin")
	default:
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Failed, see the bot chat")
		b.replyError(ctx, ev.ChatID, err)
	}
}

func (b *Bot) openUserMenu(ctx context.Context, ev Event, parts []string) {
	if len(parts) != 2 || !b.users.IsAdmin(ev.ChatID) {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}
	user, ok := b.users.Get(parts[1])
	if !ok {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Account is gone")
		return
	}
	b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
	b.showUserDetail(ctx, ev.ChatID, user)
}

func (b *Bot) userAction(ctx context.Context, ev Event, parts []string) {
	if len(parts) != 3 || !b.users.IsAdmin(ev.ChatID) {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}
	action, mediaID := parts[1], parts[2]
	user, ok := b.users.Get(mediaID)
	if !ok {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Account is gone")
		return
	}

	var err error
	switch action {
	case "enable":
		if err = b.media.SetEnabled(ctx, user.Username, true); err == nil {
			b.monitor.ResetEnforcement(mediaID)
			b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is enabled.", user.Username))
		}
	case "disable":
		if err = b.media.SetEnabled(ctx, user.Username, false); err == nil {
			b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is disabled.", user.Username))
		}
	case "downgrade":
		if err = b.approve.Downgrade(ctx, mediaID); err == nil {
			b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ %s is now a regular user.", user.Username))
		}
	case "subend":
		if err = b.subs.End(ctx, mediaID, time.Now()); err == nil {
			b.reply(ctx, ev.ChatID, fmt.Sprintf("✅ The subscription of %s is now expired.", user.Username))
		}
	case "delete":
		if err = b.media.DeleteAccount(ctx, mediaID, user.Username); err == nil {
			b.users.Delete(ctx, mediaID)
			b.subs.Remove(ctx, mediaID)
			b.reply(ctx, ev.ChatID, fmt.Sprintf("🗑 The account %s was deleted.", user.Username))
			if user.Linked() {
				b.reply(ctx, user.ChatID, "Your media account was removed by an admin.")
			}
		}
	default:
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "")
		return
	}

	if err != nil {
		b.msgr.AnswerCallback(ctx, ev.CallbackID, "Failed, see the bot chat")
		b.replyError(ctx, ev.ChatID, err)
		return
	}
	b.msgr.AnswerCallback(ctx, ev.CallbackID, "Done")
}
