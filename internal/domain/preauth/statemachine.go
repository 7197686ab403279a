package preauth

import "github.com/ehr/preauth/internal/platform/apperr"

// Request statuses.
const (
	StatusDraft       = "draft"
	StatusSubmitted   = "submitted"
	StatusInReview    = "in-review"
	StatusPendingInfo = "pending-info"
	StatusResubmitted = "resubmitted"
	StatusApproved    = "approved"
	StatusDenied      = "denied"
)

// edges lists every legal transition. Anything absent is rejected.
var edges = map[string][]string{
	StatusDraft:       {StatusSubmitted},
	StatusSubmitted:   {StatusInReview},
	StatusInReview:    {StatusApproved, StatusDenied, StatusPendingInfo},
	StatusPendingInfo: {StatusResubmitted},
	StatusResubmitted: {StatusInReview},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a request is waiting on a payer review.
func InFlight(status string) bool {
	switch status {
	case StatusSubmitted, StatusResubmitted, StatusInReview:
		return true
	}
	return false
}

func ValidStatus(status string) bool {
	switch status {
	case StatusDraft, StatusSubmitted, StatusInReview, StatusPendingInfo,
		StatusResubmitted, StatusApproved, StatusDenied:
		return true
	}
	return false
}

// outcomeStatus maps a determination outcome onto the status it leads to.
func outcomeStatus(outcome string) (string, bool) {
	switch outcome {
	case StatusApproved, StatusDenied, StatusPendingInfo:
		return outcome, true
	}
	return "", false
}

func invalidTransition(op, from, to, hint string) error {
	return &apperr.InvalidTransitionError{Operation: op, From: from, To: to, Hint: hint}
}

// ValidHistory reports whether a sequence of status changes is consistent
// with the state machine: the first row starts from nothing into draft and
// each later row leaves the status the previous one entered.
func ValidHistory(rows []*StatusChange) bool {
	if len(rows) == 0 {
		return true
	}
	if rows[0].FromStatus != nil || rows[0].ToStatus != StatusDraft {
		return false
	}
	for i := 1; i < len(rows); i++ {
		from := rows[i].FromStatus
		if from == nil || *from != rows[i-1].ToStatus || !CanTransition(*from, rows[i].ToStatus) {
			return false
		}
	}
	return true
}
