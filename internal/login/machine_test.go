package login

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phhowardchen/mteam-autologin/internal/mailstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pageState is one scripted page the fake driver can be on.
type pageState struct {
	url     string
	title   string
	source  string
	exists  map[string]bool
	errText string
}

// fakeDriver walks through scripted page states: every click on the submit
// button advances to the next state, which is how the real site behaves.
type fakeDriver struct {
	states  []pageState
	pos     int
	typed   map[string]string
	clicked []string
	navErr  error
	dumps   []string
	submit  string
}

func newFakeDriver(submit string, states ...pageState) *fakeDriver {
	return &fakeDriver{states: states, submit: submit, typed: map[string]string{}}
}

func (d *fakeDriver) cur() pageState { return d.states[d.pos] }

func (d *fakeDriver) Navigate(string) error { return d.navErr }

func (d *fakeDriver) WaitVisible(sel string, _ time.Duration) error {
	if d.cur().exists[sel] {
		return nil
	}
	return errors.New("not visible: " + sel)
}

func (d *fakeDriver) SendKeys(sel, text string) error {
	d.typed[sel] = text
	return nil
}

func (d *fakeDriver) Click(sel string) error {
	d.clicked = append(d.clicked, sel)
	if sel == d.submit && d.pos < len(d.states)-1 {
		d.pos++
	}
	return nil
}

func (d *fakeDriver) Exists(sel string) (bool, error) { return d.cur().exists[sel], nil }
func (d *fakeDriver) Disabled(string) (bool, error)   { return false, nil }
func (d *fakeDriver) Location() (string, error)       { return d.cur().url, nil }
func (d *fakeDriver) Title() (string, error)          { return d.cur().title, nil }
func (d *fakeDriver) PageSource() (string, error)     { return d.cur().source, nil }
func (d *fakeDriver) Sleep(time.Duration)             {}
func (d *fakeDriver) DumpPage(label string)           { d.dumps = append(d.dumps, label) }

func (d *fakeDriver) TextContent(sel string) (string, error) {
	if sel == DefaultSelectors().ErrorBox {
		return d.cur().errText, nil
	}
	return "", nil
}

// fakeCodes is a scripted CodeSource.
type fakeCodes struct {
	code    string
	err     error
	calls   int
	windows []time.Time
}

func (f *fakeCodes) AwaitCode(_ context.Context, window time.Time) (string, error) {
	f.calls++
	f.windows = append(f.windows, window)
	return f.code, f.err
}

func fastConfig() Config {
	return Config{
		Username:        "mtuser",
		Password:        "secret",
		MailboxAddress:  "codes@example.com",
		OuterRetries:    2,
		OuterRetryDelay: time.Millisecond,
	}
}

func loginPage() pageState {
	sel := DefaultSelectors()
	return pageState{
		url:    "https://kp.m-team.cc/login",
		title:  "M-Team - 登錄",
		source: "<html>login</html>",
		exists: map[string]bool{sel.Username: true, sel.Password: true},
	}
}

func verificationPage() pageState {
	sel := DefaultSelectors()
	return pageState{
		url:    "https://kp.m-team.cc/login",
		title:  "郵箱驗證",
		source: "<html>verify</html>",
		exists: map[string]bool{
			sel.EmailInput:     true,
			sel.SendCodeButton: true,
			sel.CodeInput:      true,
		},
	}
}

func successPage() pageState {
	sel := DefaultSelectors()
	return pageState{
		url:    "https://kp.m-team.cc/index",
		title:  "M-Team",
		source: "<html>home</html>",
		exists: map[string]bool{sel.LogoutLink: true},
	}
}

func TestRunDirectSuccess(t *testing.T) {
	driver := newFakeDriver(DefaultSelectors().Submit, loginPage(), successPage())
	codes := &fakeCodes{}
	m := NewMachine(driver, codes, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, outcome.State)
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, "mtuser", driver.typed[DefaultSelectors().Username])
	assert.Equal(t, "secret", driver.typed[DefaultSelectors().Password])
	assert.Zero(t, codes.calls, "no verification required, no mailbox access")
}

func TestRunVerificationFlow(t *testing.T) {
	sel := DefaultSelectors()
	driver := newFakeDriver(sel.Submit, loginPage(), verificationPage(), successPage())
	codes := &fakeCodes{code: "739201"}
	m := NewMachine(driver, codes, fastConfig(), testLogger())

	before := time.Now()
	outcome, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Authenticated, outcome.State)
	assert.Equal(t, "739201", driver.typed[sel.CodeInput])
	assert.Equal(t, "codes@example.com", driver.typed[sel.EmailInput])
	assert.Contains(t, driver.clicked, sel.SendCodeButton)

	require.Equal(t, 1, codes.calls)
	window := codes.windows[0]
	assert.False(t, window.IsZero(), "send window must be recorded")
	assert.False(t, window.Before(before), "send window must not predate the trigger")
}

func TestRunVerificationWindowMonotonic(t *testing.T) {
	sel := DefaultSelectors()
	driver := newFakeDriver(sel.Submit, loginPage(), verificationPage(), successPage())
	codes := &fakeCodes{} // never yields a code
	m := NewMachine(driver, codes, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.State)
	assert.Equal(t, "code not retrieved", outcome.Reason)

	require.Equal(t, 2, codes.calls, "outer retries are bounded")
	assert.Equal(t, codes.windows[0], codes.windows[1],
		"a retry must never search with an earlier bound")
}

func TestRunCredentialsRejected(t *testing.T) {
	rejected := loginPage()
	rejected.errText = "用户名或密码错误"

	driver := newFakeDriver(DefaultSelectors().Submit, loginPage(), rejected)
	m := NewMachine(driver, &fakeCodes{}, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.State)
	assert.Contains(t, outcome.Reason, "用户名或密码错误")
}

func TestRunStillOnLoginFormRejected(t *testing.T) {
	driver := newFakeDriver(DefaultSelectors().Submit, loginPage(), loginPage())
	m := NewMachine(driver, &fakeCodes{}, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.State)
}

func TestRunIndeterminateDumpsPage(t *testing.T) {
	thin := pageState{
		url:    "https://kp.m-team.cc/login",
		title:  "M-Team - 登錄",
		source: "<html/>",
		exists: map[string]bool{},
	}
	driver := newFakeDriver(DefaultSelectors().Submit, loginPage(), thin)
	m := NewMachine(driver, &fakeCodes{}, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Indeterminate, outcome.State)
	assert.Contains(t, driver.dumps, "post_credentials")
}

func TestRunMailboxAuthFailureAborts(t *testing.T) {
	sel := DefaultSelectors()
	driver := newFakeDriver(sel.Submit, loginPage(), verificationPage(), successPage())
	codes := &fakeCodes{err: &mailstore.AuthError{Permanent: true, Err: errors.New("AUTHENTICATIONFAILED")}}
	m := NewMachine(driver, codes, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.Error(t, err)
	var authErr *mailstore.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, Rejected, outcome.State)
	assert.Equal(t, 1, codes.calls, "permanent auth errors must not be retried")
}

func TestRunVerificationCodeNotAccepted(t *testing.T) {
	sel := DefaultSelectors()
	// the site stays on the verification page after the code submit
	driver := newFakeDriver(sel.Submit, loginPage(), verificationPage(), verificationPage())
	codes := &fakeCodes{code: "000000"}
	m := NewMachine(driver, codes, fastConfig(), testLogger())

	outcome, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome.State)
	assert.Contains(t, outcome.Reason, "not accepted")
}

func TestRunNavigationFailureIsFatal(t *testing.T) {
	driver := newFakeDriver(DefaultSelectors().Submit, loginPage())
	driver.navErr = errors.New("net::ERR_CONNECTION_RESET")

	cfg := fastConfig()
	cfg.NavRetry.MaxAttempts = 2
	cfg.NavRetry.Delay = time.Millisecond
	m := NewMachine(driver, &fakeCodes{}, cfg, testLogger())

	outcome, err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Indeterminate, outcome.State)
}
