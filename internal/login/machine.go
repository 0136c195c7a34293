package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phhowardchen/mteam-autologin/internal/mailstore"
	"github.com/phhowardchen/mteam-autologin/internal/retry"
)

// Driver is the browser collaborator surface the state machine consumes.
// Selector logic stays on this side of the boundary; the driver only renders
// pages and manipulates elements.
type Driver interface {
	Navigate(url string) error
	WaitVisible(sel string, timeout time.Duration) error
	SendKeys(sel, text string) error
	Click(sel string) error
	Exists(sel string) (bool, error)
	TextContent(sel string) (string, error)
	Disabled(sel string) (bool, error)
	Location() (string, error)
	Title() (string, error)
	PageSource() (string, error)
	Sleep(d time.Duration)
	DumpPage(label string)
}

// CodeSource retrieves a verification code sent no earlier than sendWindow.
// *verify.Poller satisfies it.
type CodeSource interface {
	AwaitCode(ctx context.Context, sendWindow time.Time) (string, error)
}

// Selectors locates the page elements the machine interacts with. Defaults
// match the current M-Team markup (Ant Design).
type Selectors struct {
	Username       string
	Password       string
	Submit         string
	EmailInput     string
	SendCodeButton string
	CodeInput      string
	ErrorBox       string
	LogoutLink     string
	UserPanel      string
}

// DefaultSelectors returns the selector set for kp.m-team.cc.
func DefaultSelectors() Selectors {
	return Selectors{
		Username:       "#username",
		Password:       "#password",
		Submit:         "button[type='submit']",
		EmailInput:     "#email",
		SendCodeButton: "button.ant-btn-default",
		CodeInput:      "input[placeholder*='驗證碼']",
		ErrorBox:       "div[class*='error'], div[class*='alert'], div[class*='danger']",
		LogoutLink:     "a[href*='logout']",
		UserPanel:      "div[class*='user-info']",
	}
}

// Config holds the machine's site parameters and schedule knobs.
type Config struct {
	LoginURL        string
	SiteHost        string // navigation must land on this host
	Username        string
	Password        string
	MailboxAddress  string // typed into the email field when asked
	Selectors       Selectors
	NavRetry        retry.Policy
	SettleDelay     time.Duration // after submits, before reading the page
	SendSettleDelay time.Duration // after triggering the code send
	OuterRetries    int           // poller invocations per verification episode
	OuterRetryDelay time.Duration
}

func (c *Config) fillDefaults() {
	if c.LoginURL == "" {
		c.LoginURL = "https://kp.m-team.cc/login"
	}
	if c.SiteHost == "" {
		c.SiteHost = "kp.m-team.cc"
	}
	if c.Selectors == (Selectors{}) {
		c.Selectors = DefaultSelectors()
	}
	if c.NavRetry.MaxAttempts == 0 {
		c.NavRetry = retry.Policy{MaxAttempts: 3, Delay: 3 * time.Second}
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.SendSettleDelay == 0 {
		c.SendSettleDelay = 5 * time.Second
	}
	if c.OuterRetries == 0 {
		c.OuterRetries = 5
	}
	if c.OuterRetryDelay == 0 {
		c.OuterRetryDelay = 5 * time.Second
	}
}

// Machine drives one login attempt through the browser and, when the site
// demands it, through the mailbox poller. Single-threaded by design: one
// attempt owns one browser session and at most one mailbox session.
type Machine struct {
	driver Driver
	codes  CodeSource
	cfg    Config
	logger *slog.Logger

	state State
	// window is the send-trigger timestamp for the current verification
	// episode. It only moves forward; retries never search earlier.
	window time.Time
	now    func() time.Time
}

// NewMachine creates a Machine in AwaitingCredentials.
func NewMachine(driver Driver, codes CodeSource, cfg Config, logger *slog.Logger) *Machine {
	cfg.fillDefaults()
	return &Machine{
		driver: driver,
		codes:  codes,
		cfg:    cfg,
		logger: logger,
		state:  AwaitingCredentials,
		now:    time.Now,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Run performs the whole login attempt. The returned error is reserved for
// fatal conditions (browser gone, mailbox credentials rejected); everything
// the site can express comes back as an Outcome.
func (m *Machine) Run(ctx context.Context) (Outcome, error) {
	if err := m.openLoginPage(ctx); err != nil {
		return Outcome{State: Indeterminate, Reason: "login page unreachable"}, err
	}

	if err := m.submitCredentials(); err != nil {
		m.driver.DumpPage("credential_form")
		return Outcome{State: Indeterminate, Reason: "credential form not usable"}, err
	}

	m.transition(CredentialsSubmitted)
	m.driver.Sleep(m.cfg.SettleDelay)

	snap := m.snapshot()
	state := Classify(snap)
	m.logClassification(snap, state)

	switch state {
	case VerificationRequired:
		m.transition(VerificationRequired)
		return m.runVerification(ctx)
	case Authenticated:
		m.transition(Authenticated)
		return Outcome{State: Authenticated, Reason: "logged in without verification"}, nil
	case Rejected:
		m.transition(Rejected)
		return Outcome{State: Rejected, Reason: rejectionReason(snap)}, nil
	default:
		m.transition(Indeterminate)
		m.driver.DumpPage("post_credentials")
		return Outcome{State: Indeterminate, Reason: "page state unclear after credential submission"}, nil
	}
}

// openLoginPage navigates to the login URL, retrying transient failures.
// Exhausting the retries is fatal for the run.
func (m *Machine) openLoginPage(ctx context.Context) error {
	m.logger.Info("opening login page", "url", m.cfg.LoginURL)
	return m.cfg.NavRetry.Do(ctx, func(attempt int) error {
		if err := m.driver.Navigate(m.cfg.LoginURL); err != nil {
			m.logger.Warn("navigation failed", "attempt", attempt, "error", err)
			return err
		}
		url, err := m.driver.Location()
		if err != nil {
			return err
		}
		if !strings.Contains(url, m.cfg.SiteHost) {
			m.logger.Warn("unexpected redirect", "attempt", attempt, "url", url)
			return fmt.Errorf("landed on %q instead of %s", url, m.cfg.SiteHost)
		}
		return nil
	})
}

func (m *Machine) submitCredentials() error {
	sel := m.cfg.Selectors
	if err := m.driver.WaitVisible(sel.Username, 5*time.Second); err != nil {
		return fmt.Errorf("username input not found: %w", err)
	}
	if err := m.driver.SendKeys(sel.Username, m.cfg.Username); err != nil {
		return fmt.Errorf("failed to enter username: %w", err)
	}
	if err := m.driver.SendKeys(sel.Password, m.cfg.Password); err != nil {
		return fmt.Errorf("failed to enter password: %w", err)
	}
	if err := m.driver.Click(sel.Submit); err != nil {
		return fmt.Errorf("failed to click login button: %w", err)
	}
	m.logger.Info("credentials submitted")
	return nil
}

// runVerification handles the email verification episode: trigger the code
// send, poll the mailbox with bounded outer retries, submit the code and
// classify the final page.
func (m *Machine) runVerification(ctx context.Context) (Outcome, error) {
	sel := m.cfg.Selectors
	m.logger.Info("email verification required")

	// the email field is often prefilled; only type when it is present
	if found, _ := m.driver.Exists(sel.EmailInput); found {
		if err := m.driver.SendKeys(sel.EmailInput, m.cfg.MailboxAddress); err != nil {
			m.logger.Warn("failed to fill mailbox address", "error", err)
		}
	}

	if err := m.triggerCodeSend(); err != nil {
		m.logger.Warn("could not trigger code send", "error", err)
	}

	if found, _ := m.driver.Exists(sel.CodeInput); !found {
		m.transition(Rejected)
		return Outcome{State: Rejected, Reason: "verification code input not found"}, nil
	}

	code, err := m.awaitCode(ctx)
	if err != nil {
		return Outcome{State: Rejected, Reason: "mailbox access failed"}, err
	}
	if code == "" {
		m.transition(Rejected)
		return Outcome{State: Rejected, Reason: "code not retrieved"}, nil
	}

	m.logger.Info("submitting verification code")
	if err := m.driver.SendKeys(sel.CodeInput, code); err != nil {
		return Outcome{State: Indeterminate, Reason: "failed to enter verification code"}, err
	}
	if err := m.driver.Click(sel.Submit); err != nil {
		return Outcome{State: Indeterminate, Reason: "failed to submit verification code"}, err
	}
	m.driver.Sleep(m.cfg.SettleDelay)

	snap := m.snapshot()
	state := Classify(snap)
	m.logClassification(snap, state)

	switch state {
	case Authenticated:
		m.transition(Authenticated)
		return Outcome{State: Authenticated, Reason: "verification completed"}, nil
	case VerificationRequired:
		// still on the verification page: the site did not accept the code
		m.transition(Rejected)
		return Outcome{State: Rejected, Reason: "verification code not accepted"}, nil
	case Rejected:
		m.transition(Rejected)
		return Outcome{State: Rejected, Reason: rejectionReason(snap)}, nil
	default:
		m.transition(Indeterminate)
		m.driver.DumpPage("post_verification")
		return Outcome{State: Indeterminate, Reason: "page state unclear after verification"}, nil
	}
}

// triggerCodeSend clicks the send-code button and records the send window.
// The window never moves backwards within an episode.
func (m *Machine) triggerCodeSend() error {
	sel := m.cfg.Selectors
	found, err := m.driver.Exists(sel.SendCodeButton)
	if err != nil || !found {
		return fmt.Errorf("send-code button not found")
	}
	if disabled, _ := m.driver.Disabled(sel.SendCodeButton); disabled {
		m.driver.Sleep(2 * time.Second)
	}
	if err := m.driver.Click(sel.SendCodeButton); err != nil {
		return fmt.Errorf("failed to click send-code button: %w", err)
	}
	if t := m.now(); t.After(m.window) {
		m.window = t
	}
	m.logger.Info("code send triggered", "window", m.window.Format(time.DateTime))
	m.driver.Sleep(m.cfg.SendSettleDelay)
	return nil
}

// awaitCode invokes the poller up to OuterRetries times. A permanent mailbox
// auth error aborts immediately; transient session failures just consume an
// attempt.
func (m *Machine) awaitCode(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= m.cfg.OuterRetries; attempt++ {
		m.logger.Info("fetching verification code", "attempt", attempt, "max", m.cfg.OuterRetries)

		code, err := m.codes.AwaitCode(ctx, m.window)
		if err != nil {
			var authErr *mailstore.AuthError
			if errors.As(err, &authErr) && authErr.Permanent {
				return "", err
			}
			m.logger.Warn("code retrieval attempt failed", "attempt", attempt, "error", err)
		}
		if code != "" {
			return code, nil
		}
		if attempt < m.cfg.OuterRetries && !retry.Sleep(ctx, m.cfg.OuterRetryDelay) {
			return "", ctx.Err()
		}
	}
	return "", nil
}

// snapshot gathers the structured page view Classify operates on. Individual
// probe failures degrade to zero values rather than failing the snapshot.
func (m *Machine) snapshot() Snapshot {
	sel := m.cfg.Selectors

	url, _ := m.driver.Location()
	title, _ := m.driver.Title()
	src, _ := m.driver.PageSource()
	hasUser, _ := m.driver.Exists(sel.Username)
	hasPass, _ := m.driver.Exists(sel.Password)
	hasCode, _ := m.driver.Exists(sel.CodeInput)
	hasSend, _ := m.driver.Exists(sel.SendCodeButton)
	hasLogout, _ := m.driver.Exists(sel.LogoutLink)
	hasPanel, _ := m.driver.Exists(sel.UserPanel)
	errText, _ := m.driver.TextContent(sel.ErrorBox)

	return Snapshot{
		URL:               url,
		Title:             title,
		HasLoginForm:      hasUser && hasPass,
		HasCodeInput:      hasCode,
		HasSendCodeButton: hasSend,
		HasLogoutLink:     hasLogout,
		HasUserPanel:      hasPanel,
		ErrorText:         strings.TrimSpace(errText),
		SourceLen:         len(src),
	}
}

func (m *Machine) transition(next State) {
	if m.state == next {
		return
	}
	m.logger.Info("state transition", "from", m.state.String(), "to", next.String())
	m.state = next
}

func (m *Machine) logClassification(snap Snapshot, state State) {
	m.logger.Info("page classified",
		"state", state.String(),
		"url", snap.URL,
		"title", snap.Title,
		"login_form", snap.HasLoginForm,
		"code_input", snap.HasCodeInput,
		"source_len", snap.SourceLen)
}

func rejectionReason(snap Snapshot) string {
	if snap.ErrorText != "" {
		return "site reported: " + firstLine(snap.ErrorText)
	}
	return "still on login page after submission"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
