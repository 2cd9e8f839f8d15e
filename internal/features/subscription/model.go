package subscription

// SecondsPerDay is the fixed length of one granted day. Windows are exact
// multiples of 24 hours; no calendar-month or DST adjustment.
const SecondsPerDay = 86400

// Entry is one user's access window. Only regular-role users ever have an
// entry; admin and privileged access is permanent and never recorded here.
type Entry struct {
	ActivatedAt  int64 `json:"activated_at"`
	ExpiresAt    int64 `json:"expires_at"`
	DurationDays int   `json:"duration_days"`
}
