package payer

import (
	"strings"
	"time"
)

const defaultMaxAgeDays = 3650

var (
	noPolicyMatch = Reason{Code: "no-policy-match", Display: "No matching policy rule"}
	missingDocs   = Reason{Code: "missing-documentation", Display: "Missing required documentation"}
	policyReason  = Reason{Code: "policy", Display: "Policy determination"}
)

// Evaluate returns the determination of the first policy whose service,
// priority and diagnosis criteria all match in. Missing required documents
// turn that policy's outcome into pending-info. When no policy matches the
// request is denied.
func Evaluate(rules *Rules, now time.Time, in Input) (*Result, error) {
	if err := rules.checkSchema(); err != nil {
		return nil, err
	}
	for _, p := range rules.Policies {
		if !p.Services.matches(in) || !p.priorityMatches(in) || !p.Diagnosis.matches(in) {
			continue
		}
		if missing := p.missingDocuments(now, in.Documents); len(missing) > 0 {
			return &Result{
				Outcome:                 OutcomePendingInfo,
				PolicyID:                p.ID,
				ReasonCodes:             reasonsOr(p.PendingInfoReasonCodes, missingDocs),
				Rationale:               stringOr(p.PendingInfoRationale, "Additional documentation required."),
				RequestedAdditionalInfo: missing,
			}, nil
		}
		return &Result{
			Outcome:                 stringOr(p.Outcome, OutcomeDenied),
			PolicyID:                p.ID,
			ReasonCodes:             reasonsOr(p.ReasonCodes, policyReason),
			Rationale:               stringOr(p.Rationale, "Determined by policy."),
			RequestedAdditionalInfo: []Requirement{},
		}, nil
	}
	return &Result{
		Outcome:                 OutcomeDenied,
		ReasonCodes:             []Reason{noPolicyMatch},
		Rationale:               "No matching policy for request.",
		RequestedAdditionalInfo: []Requirement{},
	}, nil
}

// matches applies explicit codings when present. Otherwise a bare CPT list
// matches the service code exactly or any substring of the service text,
// ignoring case. That legacy form can match text that merely contains the
// digits, so new documents should use codes.
func (s ServiceMatch) matches(in Input) bool {
	if len(s.Codes) > 0 {
		return anyCoding(s.Codes, in.ServiceSystem, in.ServiceCode)
	}
	if len(s.CPT) > 0 {
		text := strings.ToLower(in.ServiceText)
		for _, c := range s.CPT {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if strings.EqualFold(c, in.ServiceCode) || strings.Contains(text, strings.ToLower(c)) {
				return true
			}
		}
		return false
	}
	return true
}

// priorityMatches checks the request priority, falling back to the service
// request priority when the request carries none. A request with no
// priority at all is not filtered out.
func (p Policy) priorityMatches(in Input) bool {
	allowed := p.Services.PriorityIn
	if len(allowed) == 0 {
		allowed = p.PriorityIn
	}
	if len(allowed) == 0 {
		return true
	}
	priority := in.PreAuthPriority
	if priority == "" {
		priority = in.ServicePriority
	}
	if priority == "" {
		return true
	}
	for _, a := range allowed {
		if a == priority {
			return true
		}
	}
	return false
}

func (d DiagnosisMatch) matches(in Input) bool {
	if len(d.Codes) > 0 && !anyCoding(d.Codes, in.DiagnosisSystem, in.DiagnosisCode) {
		return false
	}
	if len(d.AnyContains) > 0 {
		text := strings.ToLower(in.DiagnosisText)
		for _, kw := range d.AnyContains {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	}
	return true
}

// missingDocuments lists every requirement no attached document satisfies.
func (p Policy) missingDocuments(now time.Time, docs []Document) []Requirement {
	var missing []Requirement
	for _, req := range p.RequiredDocuments {
		maxAge := req.MaxAgeDays
		if maxAge == 0 {
			maxAge = defaultMaxAgeDays
		}
		if Satisfied(req.Code, maxAge, now, docs) {
			continue
		}
		missing = append(missing, Requirement{
			Type:       "document",
			Code:       req.Code,
			Display:    stringOr(req.Display, req.Code),
			MaxAgeDays: maxAge,
		})
	}
	return missing
}

// Satisfied reports whether one of docs carries code and is no older than
// maxAgeDays at now. Age is compared as a duration, so a document one hour
// past the window no longer counts. An undated document counts as current.
func Satisfied(code string, maxAgeDays int, now time.Time, docs []Document) bool {
	for _, d := range docs {
		if !strings.EqualFold(d.Code, code) {
			continue
		}
		t := d.Time
		if t.IsZero() {
			t = now
		}
		if now.Sub(t) <= time.Duration(maxAgeDays)*24*time.Hour {
			return true
		}
	}
	return false
}

func anyCoding(codes []Coding, system, code string) bool {
	for _, c := range codes {
		if c.System == system && c.Code == code {
			return true
		}
	}
	return false
}

func reasonsOr(rs []Reason, def Reason) []Reason {
	if len(rs) == 0 {
		return []Reason{def}
	}
	return rs
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
