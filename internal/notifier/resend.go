package notifier

import (
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// AlertClient sends operator alerts via the Resend API. It is used for the
// conditions no amount of retrying can fix: rejected credentials and
// terminal login failures, both of which need a human to act.
type AlertClient struct {
	client    *resend.Client
	recipient string
	logger    *slog.Logger
}

// NewAlertClient creates an AlertClient delivering to recipient.
func NewAlertClient(apiKey, recipient string, logger *slog.Logger) *AlertClient {
	return &AlertClient{
		client:    resend.NewClient(apiKey),
		recipient: recipient,
		logger:    logger,
	}
}

// MailboxAuthFailure reports a permanent IMAP credential rejection. The app
// password has to be rotated before the next run can succeed.
func (a *AlertClient) MailboxAuthFailure(cause error) {
	body := fmt.Sprintf(`
		<h2>Mailbox authentication failed</h2>
		<p>The IMAP server rejected the configured credentials. Automatic retries
		are disabled for this condition; generate a fresh app password and update
		<code>MAILBOX_PASSWORD</code>.</p>
		<p>Error: %v</p>
	`, cause)
	a.send("M-Team Auto-Login - mailbox credentials rejected", body)
}

// LoginFailed reports a terminal login rejection with the site's reason.
func (a *AlertClient) LoginFailed(reason string) {
	body := fmt.Sprintf(`
		<h2>M-Team login failed</h2>
		<p>The automated login attempt ended in a rejected state.</p>
		<p>Reason: %s</p>
		<p>Check the latest log file and failure screenshots for details.</p>
	`, reason)
	a.send("M-Team Auto-Login - login failed", body)
}

// send delivers one alert. Alerting is best effort; a delivery failure is
// logged and never affects the run result.
func (a *AlertClient) send(subject, html string) {
	params := &resend.SendEmailRequest{
		From:    "M-Team Auto-Login <onboarding@resend.dev>",
		To:      []string{a.recipient},
		Subject: subject,
		Html:    html,
	}
	if _, err := a.client.Emails.Send(params); err != nil {
		a.logger.Warn("failed to send alert email", "subject", subject, "error", err)
		return
	}
	a.logger.Info("alert email sent", "subject", subject, "to", a.recipient)
}
