package login

import "strings"

// substantialSourceLen is the page-size floor for the "no credential form
// and plenty of content" success heuristic.
const substantialSourceLen = 5000

// Snapshot is a structured view of the current page: URL, title and a set of
// detected-element flags. Gathering it is the driver's job; interpreting it
// is Classify's, so the fragile heuristics stay in one testable function.
type Snapshot struct {
	URL               string
	Title             string
	HasLoginForm      bool // username and password inputs both present
	HasCodeInput      bool
	HasSendCodeButton bool
	HasLogoutLink     bool
	HasUserPanel      bool
	ErrorText         string // visible error/alert box text, if any
	SourceLen         int
}

var (
	verifyURLKeywords   = []string{"verify", "2fa", "verification", "email"}
	verifyTitleKeywords = []string{"验证", "驗證", "verification", "2fa", "email"}
	successURLKeywords  = []string{"index", "home", "main", "dashboard", "user", "member", "browse", "torrents"}
)

// Classify maps a page snapshot to a login state. Precedence, most specific
// first: explicit page errors, verification indicators, success indicators,
// a lingering credential form, then the substantial-content fallback.
// Anything else is Indeterminate.
func Classify(s Snapshot) State {
	if strings.TrimSpace(s.ErrorText) != "" {
		return Rejected
	}
	if isVerificationPage(s) {
		return VerificationRequired
	}
	if isSuccessPage(s) {
		return Authenticated
	}
	if s.HasLoginForm && strings.Contains(strings.ToLower(s.URL), "login") {
		return Rejected
	}
	if !s.HasLoginForm && s.SourceLen > substantialSourceLen {
		return Authenticated
	}
	return Indeterminate
}

func isVerificationPage(s Snapshot) bool {
	if s.HasCodeInput || s.HasSendCodeButton {
		return true
	}
	url := strings.ToLower(s.URL)
	for _, k := range verifyURLKeywords {
		if strings.Contains(url, k) {
			return true
		}
	}
	title := strings.ToLower(s.Title)
	for _, k := range verifyTitleKeywords {
		if strings.Contains(title, k) {
			return true
		}
	}
	return false
}

func isSuccessPage(s Snapshot) bool {
	if s.HasLogoutLink || s.HasUserPanel {
		return true
	}
	url := strings.ToLower(s.URL)
	for _, k := range successURLKeywords {
		if strings.Contains(url, k) {
			return true
		}
	}
	// the login title is gone and something else took its place
	title := strings.TrimSpace(s.Title)
	if title != "" && !strings.Contains(title, "登录") && !strings.Contains(title, "登錄") &&
		!strings.Contains(strings.ToLower(title), "login") {
		return true
	}
	return false
}
