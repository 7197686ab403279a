package preauth

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[[2]string]bool{
		{StatusDraft, StatusSubmitted}:         true,
		{StatusSubmitted, StatusInReview}:      true,
		{StatusInReview, StatusApproved}:       true,
		{StatusInReview, StatusDenied}:         true,
		{StatusInReview, StatusPendingInfo}:    true,
		{StatusPendingInfo, StatusResubmitted}: true,
		{StatusResubmitted, StatusInReview}:    true,
	}
	all := []string{StatusDraft, StatusSubmitted, StatusInReview, StatusPendingInfo,
		StatusResubmitted, StatusApproved, StatusDenied}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]string{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []string{StatusApproved, StatusDenied} {
		if len(edges[s]) != 0 {
			t.Errorf("%s should be terminal", s)
		}
		if InFlight(s) {
			t.Errorf("%s should not be in flight", s)
		}
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusPendingInfo) {
		t.Error("pending-info should be valid")
	}
	if ValidStatus("cancelled") {
		t.Error("cancelled is not a workflow status")
	}
}

func change(from *string, to string) *StatusChange {
	return &StatusChange{FromStatus: from, ToStatus: to}
}

func str(s string) *string { return &s }

func TestValidHistory(t *testing.T) {
	good := []*StatusChange{
		change(nil, StatusDraft),
		change(str(StatusDraft), StatusSubmitted),
		change(str(StatusSubmitted), StatusInReview),
		change(str(StatusInReview), StatusDenied),
	}
	if !ValidHistory(good) {
		t.Error("expected a legal history to validate")
	}
	if !ValidHistory(nil) {
		t.Error("expected an empty history to validate")
	}

	tests := map[string][]*StatusChange{
		"starts mid-flow": {change(str(StatusDraft), StatusSubmitted)},
		"gap": {
			change(nil, StatusDraft),
			change(str(StatusSubmitted), StatusInReview),
		},
		"illegal edge": {
			change(nil, StatusDraft),
			change(str(StatusDraft), StatusApproved),
		},
	}
	for name, rows := range tests {
		if ValidHistory(rows) {
			t.Errorf("%s: expected history to be rejected", name)
		}
	}
}

func TestOutcomeStatus(t *testing.T) {
	for _, o := range []string{"approved", "denied", "pending-info"} {
		if s, ok := outcomeStatus(o); !ok || s != o {
			t.Errorf("outcomeStatus(%s) = %s, %v", o, s, ok)
		}
	}
	if _, ok := outcomeStatus("partial"); ok {
		t.Error("partial is not a determination outcome")
	}
}
