package mailstore

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/phhowardchen/mteam-autologin/internal/retry"
)

// Message is one candidate fetched from the mailbox. It lives for a single
// poll round; nothing here is persisted.
type Message struct {
	SeqNum  uint32
	From    string
	Subject string
	Date    time.Time
	Raw     []byte
}

// Options configures a Client.
type Options struct {
	Addr         string // host:port, TLS
	Username     string
	Password     string
	DialTimeout  time.Duration
	ConnectRetry retry.Policy
}

// Client wraps a single IMAP session. It is not safe for concurrent use;
// one login attempt owns exactly one session.
type Client struct {
	opts   Options
	logger *slog.Logger
	conn   *imapclient.Client
}

// NewClient creates an unconnected client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.ConnectRetry.MaxAttempts == 0 {
		opts.ConnectRetry = retry.Policy{MaxAttempts: 3, Delay: 2 * time.Second}
	}
	return &Client{opts: opts, logger: logger.With("server", opts.Addr)}
}

// Connect establishes the TLS session, retrying transient dial failures.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to IMAP server")

	err := c.opts.ConnectRetry.Do(ctx, func(attempt int) error {
		dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", c.opts.Addr, &tls.Config{
			ServerName: hostOnly(c.opts.Addr),
		})
		if err != nil {
			c.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
			return err
		}

		cli, err := imapclient.New(conn)
		if err != nil {
			conn.Close()
			c.logger.Warn("IMAP greeting failed", "attempt", attempt, "error", err)
			return err
		}

		c.conn = cli
		return nil
	})
	if err != nil {
		return &ConnectionError{Attempts: c.opts.ConnectRetry.MaxAttempts, Err: err}
	}

	c.logger.Info("connected to IMAP server")
	return nil
}

// Login authenticates the session. A credential rejection is permanent and
// never retried; only errors that look like TLS/network hiccups get a second
// attempt.
func (c *Client) Login(ctx context.Context) error {
	c.logger.Info("authenticating", "account", maskAccount(c.opts.Username))

	authRetry := retry.Policy{MaxAttempts: 2, Delay: 2 * time.Second}
	err := authRetry.Do(ctx, func(attempt int) error {
		err := c.conn.Login(c.opts.Username, c.opts.Password)
		if err == nil {
			return nil
		}
		if isCredentialRejection(err) {
			return retry.Abort(&AuthError{Permanent: true, Err: err})
		}
		c.logger.Warn("authentication attempt failed", "attempt", attempt, "error", err)
		return &AuthError{Err: err}
	})
	if err != nil {
		return err
	}

	c.logger.Info("authenticated")
	return nil
}

// Select opens the named mailbox read-write.
func (c *Client) Select(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mbox, err := c.conn.Select(name, false)
	if err != nil {
		return &MailboxError{Name: name, Err: err}
	}
	c.logger.Debug("mailbox selected", "mailbox", name, "messages", mbox.Messages)
	return nil
}

// Search runs one query and returns matching sequence numbers, oldest first.
// No matches is an empty slice, not an error.
func (c *Client) Search(ctx context.Context, strategy string, criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := c.conn.Search(criteria)
	if err != nil {
		return nil, &SearchError{Strategy: strategy, Err: err}
	}
	return ids, nil
}

// Fetch retrieves the envelope and full body of one message.
func (c *Client) Fetch(ctx context.Context, seqNum uint32) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.Fetch(seqSet, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		if msg != nil {
			fetched = msg
		}
	}
	if err := <-done; err != nil {
		return nil, &SearchError{Strategy: "fetch", Err: err}
	}
	if fetched == nil {
		return nil, &NotFoundError{SeqNum: seqNum}
	}

	out := &Message{SeqNum: seqNum}
	if env := fetched.Envelope; env != nil {
		out.Subject = env.Subject
		out.Date = env.Date
		if len(env.From) > 0 {
			out.From = env.From[0].Address()
		}
	}
	if literal := fetched.GetBody(section); literal != nil {
		raw, err := io.ReadAll(literal)
		if err != nil {
			return nil, &NotFoundError{SeqNum: seqNum}
		}
		out.Raw = raw
	}
	return out, nil
}

// MarkDeleted flags a message for deletion without committing it. A crash
// between MarkDeleted and Expunge leaves the message flagged, never lost.
func (c *Client) MarkDeleted(ctx context.Context, seqNum uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	return c.conn.Store(seqSet, item, flags, nil)
}

// Expunge commits all flagged deletions.
func (c *Client) Expunge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Expunge(nil)
}

// Close tears the session down. Errors are logged and swallowed so cleanup
// can never mask the result of the work that preceded it.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Logout(); err != nil {
		c.logger.Warn("IMAP logout failed", "error", err)
	}
	c.conn = nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// isCredentialRejection string-matches the server error; IMAP gives us no
// structured error channel for this.
func isCredentialRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AUTHENTICATIONFAILED") ||
		strings.Contains(msg, "Invalid credentials") ||
		strings.Contains(msg, "LOGIN failed")
}

func maskAccount(s string) string {
	if at := strings.LastIndex(s, "@"); at > 3 {
		return s[:3] + "***@" + s[at+1:]
	}
	if len(s) > 3 {
		return s[:3] + "***"
	}
	return "***"
}
