package request

import (
	"fmt"

	"medialink-bot-backend/internal/features/identity"
)

// Kind is the workflow a pending request belongs to.
type Kind string

const (
	KindRegister      Kind = "register"
	KindLink          Kind = "link"
	KindUnlink        Kind = "unlink"
	KindRoleUpgrade   Kind = "role_upgrade"
	KindPasswordReset Kind = "password_reset"
)

// Request is one pending workflow request. At most one exists per requester
// chat id, regardless of kind.
type Request struct {
	ChatID    int64  `json:"chat_id"`
	Kind      Kind   `json:"kind"`
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
	CreatedAt int64  `json:"created_at"`

	// Kind-specific payload
	TargetMediaID string        `json:"target_media_id,omitempty"` // link
	CurrentRole   identity.Role `json:"current_role,omitempty"`    // role_upgrade
	TargetRole    identity.Role `json:"target_role,omitempty"`     // role_upgrade
}

// Key is the unit of prompt-set tracking across admins. Every caller must
// derive it the same way so RecordPrompt and RetractPrompts line up.
func (r *Request) Key() string {
	return KeyFor(r.Kind, r.ChatID)
}

// KeyFor builds the request key for a kind and requester chat id.
func KeyFor(kind Kind, chatID int64) string {
	return fmt.Sprintf("%s:%d", kind, chatID)
}

// PaymentKey builds the prompt-set key for a payment request id. Payment
// requests live in their own ledger but share the prompt tracking here.
func PaymentKey(requestID string) string {
	return "pay:" + requestID
}
