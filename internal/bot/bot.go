package bot

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"medialink-bot-backend/internal/common/config"
	"medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/approval"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
	"medialink-bot-backend/internal/features/subscription"
	"medialink-bot-backend/internal/platform/mediaserver"
	"medialink-bot-backend/internal/platform/telegram"
)

// Messenger is the outbound half of the chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error)
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, markup *telegram.InlineKeyboard) (int64, error)
	SendVideo(ctx context.Context, chatID int64, fileID, caption string, markup *telegram.InlineKeyboard) (int64, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// MediaServer is the slice of the media-server API the handlers call
// directly. Everything decision-related goes through the coordinator.
type MediaServer interface {
	UsernameAvailable(ctx context.Context, username string) (bool, error)
	SetEnabled(ctx context.Context, username string, enabled bool) error
	DeleteAccount(ctx context.Context, id, username string) error
	TopItems(ctx context.Context, itemType, accountID string, limit int) ([]mediaserver.ItemCount, error)
	PlayedRuntimeTicks(ctx context.Context, accountID string) (int64, error)
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{2,31}$`)

// Bot routes normalized chat events to the feature layers.
type Bot struct {
	users    *identity.Store
	requests *request.Ledger
	payments *payment.Ledger
	subs     *subscription.Ledger
	monitor  *subscription.Monitor
	approve  *approval.Coordinator
	media    MediaServer
	msgr     Messenger

	plans     map[string]config.Plan
	upiID     string
	upiName   string
	lifecycle struct {
		requestTTL       time.Duration
		awaitingTTL      time.Duration
		paymentRetention time.Duration
	}

	awaiting *awaitTracker

	// Inbound events are dispatched one at a time. The poller is
	// sequential on its own; the webhook server is not.
	dispatchMu sync.Mutex
}

func New(cfg *config.Config, plans map[string]config.Plan, users *identity.Store, requests *request.Ledger, payments *payment.Ledger, subs *subscription.Ledger, monitor *subscription.Monitor, approve *approval.Coordinator, media MediaServer, msgr Messenger) *Bot {
	b := &Bot{
		users:    users,
		requests: requests,
		payments: payments,
		subs:     subs,
		monitor:  monitor,
		approve:  approve,
		media:    media,
		msgr:     msgr,
		plans:    plans,
		upiID:    cfg.Payment.UpiID,
		upiName:  cfg.Payment.UpiName,
		awaiting: newAwaitTracker(),
	}
	b.lifecycle.requestTTL = cfg.Lifecycle.RequestTTL
	b.lifecycle.awaitingTTL = cfg.Lifecycle.AwaitingTTL
	b.lifecycle.paymentRetention = cfg.Lifecycle.PaymentRetention
	return b
}

// Handle processes one event. Errors are translated into chat replies; the
// returned error is only for transport-level failures worth logging.
func (b *Bot) Handle(ctx context.Context, ev Event) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Int64("chat_id", ev.ChatID).Msg("Recovered from handler panic")
		}
	}()

	switch ev.Kind {
	case EventCommand:
		b.handleCommand(ctx, ev)
	case EventButton:
		b.handleCallback(ctx, ev)
	case EventText:
		b.handleText(ctx, ev)
	case EventPhoto, EventVideo:
		b.handleMedia(ctx, ev)
	}
}

func (b *Bot) handleCommand(ctx context.Context, ev Event) {
	// A fresh command supersedes any follow-up question, except /cancel
	// which reports what it cleared
	if ev.Command != "/cancel" {
		b.awaiting.Clear(ev.ChatID)
	}

	switch ev.Command {
	case "/start", "/help":
		b.cmdStart(ctx, ev)
	case "/register":
		b.cmdRegister(ctx, ev)
	case "/linkme":
		b.cmdLinkMe(ctx, ev)
	case "/unlinkme":
		b.cmdUnlinkMe(ctx, ev)
	case "/upgrade":
		b.cmdUpgrade(ctx, ev)
	case "/resetpw":
		b.cmdResetPassword(ctx, ev)
	case "/subscribe":
		b.cmdSubscribe(ctx, ev)
	case "/status":
		b.cmdStatus(ctx, ev)
	case "/cancel":
		b.cmdCancel(ctx, ev)
	case "/pending":
		b.admin(ctx, ev, b.cmdPending)
	case "/users":
		b.admin(ctx, ev, b.cmdUsers)
	case "/user":
		b.admin(ctx, ev, b.cmdUser)
	case "/stats":
		b.admin(ctx, ev, b.cmdStats)
	case "/payments":
		b.admin(ctx, ev, b.cmdPayments)
	case "/broadcast":
		b.admin(ctx, ev, b.cmdBroadcast)
	case "/message":
		b.admin(ctx, ev, b.cmdMessage)
	case "/subinfo":
		b.admin(ctx, ev, b.cmdSubInfo)
	case "/subextend":
		b.admin(ctx, ev, b.cmdSubExtend)
	case "/subend":
		b.admin(ctx, ev, b.cmdSubEnd)
	case "/link":
		b.admin(ctx, ev, b.cmdAdminLink)
	case "/unlink":
		b.admin(ctx, ev, b.cmdAdminUnlink)
	case "/downgrade":
		b.admin(ctx, ev, b.cmdDowngrade)
	default:
		b.reply(ctx, ev.ChatID, "Unknown command. Use /help to see what I can do.")
	}
}

// admin runs fn only for admin chats; everyone else gets a generic reply
// that does not reveal the command exists.
func (b *Bot) admin(ctx context.Context, ev Event, fn func(context.Context, Event)) {
	if !b.users.IsAdmin(ev.ChatID) {
		b.reply(ctx, ev.ChatID, "Unknown command. Use /help to see what I can do.")
		return
	}
	fn(ctx, ev)
}

func (b *Bot) handleText(ctx context.Context, ev Event) {
	st, ok := b.awaiting.Pop(ev.ChatID)
	if !ok {
		b.reply(ctx, ev.ChatID, "I wasn't expecting a message. Use /help to see the available commands.")
		return
	}

	switch st.Kind {
	case awaitRegisterUsername:
		b.finishRegister(ctx, ev)
	case awaitLinkUsername:
		b.finishLink(ctx, ev)
	case awaitBroadcast:
		b.finishBroadcast(ctx, ev)
	case awaitDirectMessage:
		b.finishDirectMessage(ctx, ev, st.Payload)
	}
}

func (b *Bot) handleMedia(ctx context.Context, ev Event) {
	// Broadcast mode forwards whatever the admin sends next
	if st, ok := b.awaiting.Pop(ev.ChatID); ok && st.Kind == awaitBroadcast {
		b.broadcastMedia(ctx, ev)
		return
	}

	pay, ok := b.payments.FindPendingByChat(ev.ChatID)
	if !ok {
		b.reply(ctx, ev.ChatID, "Thanks, but I wasn't expecting a file. Use /subscribe if you want to pay for a plan.")
		return
	}
	b.forwardPaymentProof(ctx, ev, pay)
}

// reply sends a plain text message, logging delivery failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.msgr.SendText(ctx, chatID, text, nil); err != nil {
		logger.Warn().Int64("chat_id", chatID).Err(err).Msg("Failed to deliver reply")
	}
}

// replyError maps a feature-layer error to a user-facing message.
func (b *Bot) replyError(ctx context.Context, chatID int64, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		b.reply(ctx, chatID, "Something went wrong. Please try again later.")
		logger.Error().Int64("chat_id", chatID).Err(err).Msg("Unexpected handler error")
		return
	}

	switch appErr.Code {
	case errors.ErrCodeAlreadyPending:
		b.reply(ctx, chatID, "You already have a pending request. Wait for an admin to decide, or /cancel it first.")
	case errors.ErrCodeAlreadyProcessed:
		b.reply(ctx, chatID, "This request was already handled by another admin.")
	case errors.ErrCodeAlreadyLinked:
		b.reply(ctx, chatID, "That account is already linked to a different Telegram user.")
	case errors.ErrCodeNotLinked:
		b.reply(ctx, chatID, "You don't have a linked account. Use /register or /linkme first.")
	case errors.ErrCodeInvalidUsername:
		b.reply(ctx, chatID, "That username is not valid. Use 3-32 letters, digits, dots, dashes or underscores, starting with a letter or digit.")
	case errors.ErrCodeUserNotFound:
		b.reply(ctx, chatID, "I couldn't find that account.")
	case errors.ErrCodeUnknownPlan:
		b.reply(ctx, chatID, "That plan doesn't exist. Use /subscribe to see the available plans.")
	case errors.ErrCodeInvalidDuration:
		b.reply(ctx, chatID, "The duration must be a positive number of days, for example: /subextend alice 30")
	default:
		b.reply(ctx, chatID, "Something went wrong. Please try again later.")
		logger.Error().Int64("chat_id", chatID).Str("code", string(appErr.Code)).Err(err).Msg("Handler error")
	}
}

// promptAdmins posts the approval prompt to every admin chat and records
// the message ids so the prompts can be retracted after the decision.
func (b *Bot) promptAdmins(ctx context.Context, key, text string, markup *telegram.InlineKeyboard) int {
	sent := 0
	for _, adminChat := range b.users.AdminChats() {
		msgID, err := b.msgr.SendText(ctx, adminChat, text, markup)
		if err != nil {
			logger.Warn().Int64("admin_chat", adminChat).Err(err).Msg("Failed to deliver admin prompt")
			continue
		}
		b.requests.RecordPrompt(key, adminChat, msgID)
		sent++
	}
	return sent
}

func decisionKeyboard(kind request.Kind, chatID int64) *telegram.InlineKeyboard {
	return telegram.Row(
		telegram.InlineButton{Text: "✅ Approve", CallbackData: fmt.Sprintf("approve:%s:%d", kind, chatID)},
		telegram.InlineButton{Text: "❌ Reject", CallbackData: fmt.Sprintf("reject:%s:%d", kind, chatID)},
	)
}

// sortedPlans returns the configured plans ordered by duration.
func (b *Bot) sortedPlans() []config.Plan {
	plans := make([]config.Plan, 0, len(b.plans))
	for _, p := range b.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Days < plans[j].Days })
	return plans
}

func formatExpiry(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2 Jan 2006 15:04 MST")
}
