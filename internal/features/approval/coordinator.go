package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
	"medialink-bot-backend/internal/features/subscription"
	"medialink-bot-backend/internal/platform/telegram"
	"medialink-bot-backend/internal/utils/random"
)

// MediaServer is the slice of the media-server API the coordinator needs.
type MediaServer interface {
	CreateAccount(ctx context.Context, username, password string) error
	AccountID(ctx context.Context, username string) (string, error)
	SetEnabled(ctx context.Context, username string, enabled bool) error
	ResetPassword(ctx context.Context, username, newPassword string) error
}

// Messenger delivers decision outcomes to requesters and admins.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error)
}

// EnforcementResetter lets the coordinator clear the expiry monitor's
// settled state after a decision re-enables an account.
type EnforcementResetter interface {
	ResetEnforcement(mediaID string)
}

const (
	labelApproved = "✅ Approved"
	labelRejected = "❌ Rejected"
)

// Coordinator applies admin decisions to pending requests. All decisions
// go through one mutex so two admins pressing a button at the same moment
// resolve to exactly one mutation; the loser gets ALREADY_PROCESSED.
// External actions run before any ledger mutation, so a media-server
// failure leaves the request pending and retryable.
type Coordinator struct {
	mu sync.Mutex

	users    *identity.Store
	requests *request.Ledger
	payments *payment.Ledger
	subs     *subscription.Ledger
	media    MediaServer
	msgr     Messenger
	monitor  EnforcementResetter
}

func NewCoordinator(users *identity.Store, requests *request.Ledger, payments *payment.Ledger, subs *subscription.Ledger, media MediaServer, msgr Messenger, monitor EnforcementResetter) *Coordinator {
	return &Coordinator{
		users:    users,
		requests: requests,
		payments: payments,
		subs:     subs,
		media:    media,
		msgr:     msgr,
		monitor:  monitor,
	}
}

// Approve resolves the pending request of the given kind and chat in the
// requester's favor.
func (c *Coordinator) Approve(ctx context.Context, kind request.Kind, chatID, adminChat int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests.Get(chatID)
	if !ok || req.Kind != kind {
		return errors.NewAlreadyProcessedError(request.KeyFor(kind, chatID))
	}

	var err error
	switch req.Kind {
	case request.KindRegister:
		err = c.approveRegister(ctx, &req)
	case request.KindLink:
		err = c.approveLink(ctx, &req)
	case request.KindUnlink:
		err = c.approveUnlink(ctx, &req)
	case request.KindRoleUpgrade:
		err = c.approveRoleUpgrade(ctx, &req)
	case request.KindPasswordReset:
		err = c.approvePasswordReset(ctx, &req)
	default:
		err = errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown request kind %q", req.Kind))
	}
	if err != nil {
		return err
	}

	c.requests.Resolve(ctx, chatID)
	c.requests.RetractPrompts(ctx, req.Key(), labelApproved)
	c.notifyOtherAdmins(ctx, adminChat,
		fmt.Sprintf("ℹ️ %s approved the %s request from %s", c.adminLabel(adminChat), req.Kind, requesterLabel(&req)))
	logger.Info().
		Str("kind", string(req.Kind)).
		Int64("chat_id", chatID).
		Int64("admin_chat", adminChat).
		Msg("Request approved")
	return nil
}

// Reject resolves the pending request of the given kind and chat against
// the requester.
func (c *Coordinator) Reject(ctx context.Context, kind request.Kind, chatID, adminChat int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests.Get(chatID)
	if !ok || req.Kind != kind {
		return errors.NewAlreadyProcessedError(request.KeyFor(kind, chatID))
	}

	c.requests.Resolve(ctx, chatID)
	c.requests.RetractPrompts(ctx, req.Key(), labelRejected)
	c.msgr.SendText(ctx, req.ChatID, rejectionText(req.Kind), nil)
	c.notifyOtherAdmins(ctx, adminChat,
		fmt.Sprintf("ℹ️ %s rejected the %s request from %s", c.adminLabel(adminChat), req.Kind, requesterLabel(&req)))
	logger.Info().
		Str("kind", string(req.Kind)).
		Int64("chat_id", chatID).
		Int64("admin_chat", adminChat).
		Msg("Request rejected")
	return nil
}

func (c *Coordinator) approveRegister(ctx context.Context, req *request.Request) error {
	// The chat may have been linked to an account while this request waited.
	if other, ok := c.users.LookupByChatID(req.ChatID); ok {
		return errors.New(errors.ErrCodeAlreadyLinked, "Chat is already linked to another account").
			WithDetail("media_id", other.MediaID)
	}

	password, err := random.Password(12)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to generate password")
	}
	if err := c.media.CreateAccount(ctx, req.Username, password); err != nil {
		return err
	}
	mediaID, err := c.media.AccountID(ctx, req.Username)
	if err != nil {
		return err
	}
	if mediaID == "" {
		return errors.NewMediaServerError("lookup created account",
			fmt.Errorf("account %q not found after creation", req.Username))
	}
	// New accounts stay disabled until the first subscription is paid
	if err := c.media.SetEnabled(ctx, req.Username, false); err != nil {
		return err
	}

	c.users.Upsert(ctx, identity.User{
		MediaID:   mediaID,
		Username:  req.Username,
		ChatID:    req.ChatID,
		Name:      req.Name,
		Role:      identity.RoleRegular,
		CreatedAt: time.Now().Unix(),
	})

	c.msgr.SendText(ctx, req.ChatID,
		fmt.Sprintf("🎉 Your registration was approved!\n\n"+
			"Username: %s\nPassword: %s\n\n"+
			"Your account is disabled until you activate a subscription. Use /subscribe to get started.",
			req.Username, password), nil)
	return nil
}

func (c *Coordinator) approveLink(ctx context.Context, req *request.Request) error {
	user, ok := c.users.Get(req.TargetMediaID)
	if !ok {
		return errors.NewUserNotFoundError(req.TargetMediaID)
	}
	if user.Linked() && user.ChatID != req.ChatID {
		return errors.New(errors.ErrCodeAlreadyLinked, "Account is already linked to another chat").
			WithDetail("media_id", user.MediaID)
	}
	if other, ok := c.users.LookupByChatID(req.ChatID); ok && other.MediaID != req.TargetMediaID {
		return errors.New(errors.ErrCodeAlreadyLinked, "Chat is already linked to another account").
			WithDetail("media_id", other.MediaID)
	}

	user.ChatID = req.ChatID
	if req.Name != "" {
		user.Name = req.Name
	}
	c.users.Upsert(ctx, user)

	c.msgr.SendText(ctx, req.ChatID,
		fmt.Sprintf("✅ Your Telegram is now linked to the account %s.", user.Username), nil)
	return nil
}

func (c *Coordinator) approveUnlink(ctx context.Context, req *request.Request) error {
	user, ok := c.users.LookupByChatID(req.ChatID)
	if !ok {
		return errors.New(errors.ErrCodeNotLinked, "No linked account for this chat").
			WithDetail("chat_id", req.ChatID)
	}

	user.ChatID = 0
	c.users.Upsert(ctx, user)

	c.msgr.SendText(ctx, req.ChatID,
		fmt.Sprintf("✅ Your Telegram has been unlinked from the account %s.", user.Username), nil)
	return nil
}

func (c *Coordinator) approveRoleUpgrade(ctx context.Context, req *request.Request) error {
	user, ok := c.users.LookupByChatID(req.ChatID)
	if !ok {
		return errors.New(errors.ErrCodeNotLinked, "No linked account for this chat").
			WithDetail("chat_id", req.ChatID)
	}

	target := req.TargetRole
	if !target.Valid() {
		target = identity.RolePrivileged
	}
	// A permanent role no longer depends on a subscription window, so the
	// account is switched on as part of the upgrade
	if target.Permanent() {
		if err := c.media.SetEnabled(ctx, user.Username, true); err != nil {
			return err
		}
		c.monitor.ResetEnforcement(user.MediaID)
	}

	user.Role = target
	if target == identity.RoleAdmin {
		user.IsAdmin = true
	}
	c.users.Upsert(ctx, user)

	c.msgr.SendText(ctx, req.ChatID,
		fmt.Sprintf("✅ Your account has been upgraded to %s access.", target), nil)
	return nil
}

func (c *Coordinator) approvePasswordReset(ctx context.Context, req *request.Request) error {
	user, ok := c.users.LookupByChatID(req.ChatID)
	if !ok {
		return errors.New(errors.ErrCodeNotLinked, "No linked account for this chat").
			WithDetail("chat_id", req.ChatID)
	}

	password, err := random.Password(12)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to generate password")
	}
	if err := c.media.ResetPassword(ctx, user.Username, password); err != nil {
		return err
	}

	c.msgr.SendText(ctx, req.ChatID,
		fmt.Sprintf("🔑 Your password has been reset.\n\nUsername: %s\nNew password: %s",
			user.Username, password), nil)
	return nil
}

// ApprovePayment settles a pending payment and activates the subscription
// it paid for. The subscription grant happens after the payment flips to
// approved; on grant failure the payment decision stands and the admin is
// expected to extend the subscription manually.
func (c *Coordinator) ApprovePayment(ctx context.Context, paymentID string, adminChat int64) (*payment.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	pay, err := c.payments.Approve(ctx, paymentID, adminChat, now.Unix())
	if err != nil {
		return nil, err
	}

	expiry, err := c.subs.Activate(ctx, pay.MediaID, pay.Days, now)
	if err != nil {
		logger.Error().
			Str("payment_id", pay.ID).
			Str("media_id", pay.MediaID).
			Err(err).
			Msg("Payment approved but subscription activation failed")
	} else {
		c.monitor.ResetEnforcement(pay.MediaID)
	}

	c.requests.RetractPrompts(ctx, request.PaymentKey(pay.ID), labelApproved)

	text := "🎉 Your payment was verified and your subscription is active!"
	if expiry != nil {
		text = fmt.Sprintf("🎉 Your payment was verified!\n\nYour subscription is active until %s.",
			time.Unix(*expiry, 0).UTC().Format("2 Jan 2006 15:04 MST"))
	}
	c.msgr.SendText(ctx, pay.ChatID, text, nil)
	c.notifyOtherAdmins(ctx, adminChat,
		fmt.Sprintf("ℹ️ %s approved a payment of %d for plan %s", c.adminLabel(adminChat), pay.Amount, pay.PlanID))
	return pay, nil
}

// RejectPayment settles a pending payment against the payer.
func (c *Coordinator) RejectPayment(ctx context.Context, paymentID string, adminChat int64) (*payment.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pay, err := c.payments.Reject(ctx, paymentID, adminChat, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	c.requests.RetractPrompts(ctx, request.PaymentKey(pay.ID), labelRejected)
	c.msgr.SendText(ctx, pay.ChatID,
		"❌ Your payment could not be verified.\n\n"+
			"If you believe this is a mistake, contact an admin or try /subscribe again.", nil)
	c.notifyOtherAdmins(ctx, adminChat,
		fmt.Sprintf("ℹ️ %s rejected a payment of %d for plan %s", c.adminLabel(adminChat), pay.Amount, pay.PlanID))
	return pay, nil
}

// Downgrade drops a user back to the regular tier. Without an active
// subscription the account is disabled immediately rather than waiting
// for the next monitor pass.
func (c *Coordinator) Downgrade(ctx context.Context, mediaID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.users.Get(mediaID)
	if !ok {
		return errors.NewUserNotFoundError(mediaID)
	}

	active, _ := c.subs.Status(mediaID, time.Now())
	if !active {
		if err := c.media.SetEnabled(ctx, user.Username, false); err != nil {
			return err
		}
	}

	user.Role = identity.RoleRegular
	user.IsAdmin = false
	c.users.Upsert(ctx, user)

	if user.Linked() {
		c.msgr.SendText(ctx, user.ChatID,
			"Your account has been moved to the regular tier. An active subscription is now required for access.", nil)
	}
	return nil
}

func (c *Coordinator) notifyOtherAdmins(ctx context.Context, except int64, text string) {
	for _, chat := range c.users.AdminChats() {
		if chat == except {
			continue
		}
		c.msgr.SendText(ctx, chat, text, nil)
	}
}

func (c *Coordinator) adminLabel(adminChat int64) string {
	if admin, ok := c.users.LookupByChatID(adminChat); ok {
		if admin.Name != "" {
			return admin.Name
		}
		return admin.Username
	}
	return fmt.Sprintf("admin %d", adminChat)
}

func requesterLabel(req *request.Request) string {
	if req.Username != "" {
		return req.Username
	}
	if req.Name != "" {
		return req.Name
	}
	return fmt.Sprintf("chat %d", req.ChatID)
}

func rejectionText(kind request.Kind) string {
	switch kind {
	case request.KindRegister:
		return "❌ Your registration request was declined."
	case request.KindLink:
		return "❌ Your link request was declined."
	case request.KindUnlink:
		return "❌ Your unlink request was declined."
	case request.KindRoleUpgrade:
		return "❌ Your upgrade request was declined."
	case request.KindPasswordReset:
		return "❌ Your password reset request was declined."
	default:
		return "❌ Your request was declined."
	}
}
