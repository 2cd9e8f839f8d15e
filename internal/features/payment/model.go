package payment

import (
	"fmt"
	"net/url"

	"medialink-bot-backend/internal/common/config"
)

// Status of a payment request. Pending requests wait for an admin to
// verify the transfer; settled ones are kept for a retention window so
// admins can audit recent decisions.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one subscription purchase attempt. The screenshot the user
// sends as proof is forwarded to admins directly and never stored here.
type Request struct {
	ID      string `json:"id"`
	ChatID  int64  `json:"chat_id"`
	MediaID string `json:"media_id"`
	PlanID  string `json:"plan_id"`
	Days    int    `json:"days"`
	Amount  int    `json:"amount"`

	Status     Status `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	DecidedAt  int64  `json:"decided_at,omitempty"`
	DecidedBy  int64  `json:"decided_by,omitempty"`
	ProofMsgID int64  `json:"proof_msg_id,omitempty"`
}

func (r *Request) Settled() bool {
	return r.Status != StatusPending
}

// UpiLink builds a upi://pay deep link for the given plan so the user can
// open their payment app with the amount prefilled.
func UpiLink(upiID, upiName string, plan config.Plan) string {
	q := url.Values{}
	q.Set("pa", upiID)
	q.Set("pn", upiName)
	q.Set("am", fmt.Sprintf("%d", plan.Price))
	q.Set("cu", "INR")
	q.Set("tn", fmt.Sprintf("Subscription %s", plan.Name))
	return "upi://pay?" + q.Encode()
}
