package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"

	"github.com/phhowardchen/mteam-autologin/internal/mailstore"
	"github.com/phhowardchen/mteam-autologin/internal/retry"
)

// Session is the slice of the mailbox client the poller consumes.
// *mailstore.Client satisfies it.
type Session interface {
	Select(ctx context.Context, name string) error
	Search(ctx context.Context, strategy string, criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(ctx context.Context, seqNum uint32) (*mailstore.Message, error)
	MarkDeleted(ctx context.Context, seqNum uint32) error
	Expunge(ctx context.Context) error
	Close()
}

// Connector opens a fresh authenticated session. The poller opens exactly
// one session per AwaitCode call and never reconnects mid-search; a dropped
// session surfaces to the caller, which owns the outer retry.
type Connector interface {
	Open(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// Options tunes the polling schedule. Zero fields get the defaults that have
// worked against Gmail's indexing latency.
type Options struct {
	Mailbox        string
	Guard          time.Duration // subtracted from the send window
	Timeout        time.Duration // budget for one AwaitCode call
	MaxRounds      int
	SubPassDelay   time.Duration // between the two sub-passes of a round
	RoundWaitCap   time.Duration // upper bound on the inter-round wait
	RecentWindow   time.Duration // search window when no send window is given
	DeleteAfterUse bool
	DeleteWait     time.Duration // grace before flagging the winner deleted
}

func (o *Options) fillDefaults() {
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.Guard == 0 {
		o.Guard = 120 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRounds == 0 {
		o.MaxRounds = 5
	}
	if o.SubPassDelay == 0 {
		o.SubPassDelay = time.Second
	}
	if o.RoundWaitCap == 0 {
		o.RoundWaitCap = 5 * time.Second
	}
	if o.RecentWindow == 0 {
		o.RecentWindow = 5 * time.Minute
	}
	if o.DeleteWait == 0 {
		o.DeleteWait = 5 * time.Second
	}
}

// Poller runs time-bounded searches against the mailbox until a message
// yields a verification code.
type Poller struct {
	connector  Connector
	extractor  *Extractor
	strategies []mailstore.Strategy
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewPoller creates a Poller using the default strategy table.
func NewPoller(connector Connector, extractor *Extractor, opts Options, logger *slog.Logger) *Poller {
	opts.fillDefaults()
	return &Poller{
		connector:  connector,
		extractor:  extractor,
		strategies: mailstore.Strategies(),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// AwaitCode polls the mailbox for a verification code sent no earlier than
// sendWindow (minus the guard). A zero sendWindow falls back to a recent
// window. It returns ("", nil) when the time or round budget runs out
// without a code; session-level failures are returned as errors.
func (p *Poller) AwaitCode(ctx context.Context, sendWindow time.Time) (string, error) {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	sess, err := p.connector.Open(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if err := sess.Select(ctx, p.opts.Mailbox); err != nil {
		return "", err
	}

	windowed := !sendWindow.IsZero()
	var lower time.Time
	if windowed {
		lower = sendWindow.Add(-p.opts.Guard)
		p.logger.Info("searching for mail sent after window",
			"window", sendWindow.Format(time.DateTime), "guard", p.opts.Guard)
	} else {
		lower = start.Add(-p.opts.RecentWindow)
		p.logger.Info("no send window given, searching recent mail", "window", p.opts.RecentWindow)
	}

	for round := 1; round <= p.opts.MaxRounds; round++ {
		elapsed := p.now().Sub(start)
		if elapsed >= p.opts.Timeout {
			break
		}
		p.logger.Info("poll round", "round", round, "max", p.opts.MaxRounds,
			"elapsed", elapsed.Round(100*time.Millisecond))

		// Two sub-passes with a short gap: mail that arrived between the
		// search and the trigger is often not indexed yet on the first pass.
		for pass := 0; pass < 2; pass++ {
			if pass == 1 && !retry.Sleep(ctx, p.opts.SubPassDelay) {
				return "", nil
			}
			code, err := p.runPass(ctx, sess, lower, windowed)
			if err != nil {
				return "", err
			}
			if code != "" {
				return code, nil
			}
		}

		remaining := p.opts.Timeout - p.now().Sub(start)
		wait := p.opts.RoundWaitCap
		if max := remaining - 2*time.Second; wait > max {
			wait = max
		}
		if wait <= 0 || round == p.opts.MaxRounds {
			break
		}
		p.logger.Info("no code this round, backing off",
			"wait", wait.Round(100*time.Millisecond), "remaining", remaining.Round(100*time.Millisecond))
		if !retry.Sleep(ctx, wait) {
			break
		}
	}

	p.logger.Warn("no verification code found",
		"elapsed", p.now().Sub(start).Round(100*time.Millisecond), "timeout", p.opts.Timeout)
	return "", nil
}

// runPass tries every strategy once, newest candidate first. The first
// candidate yielding any accepted code wins and terminates the search.
func (p *Poller) runPass(ctx context.Context, sess Session, lower time.Time, windowed bool) (string, error) {
	var searchFailures int
	var lastSearchErr error

	for _, st := range p.strategies {
		ids, err := sess.Search(ctx, st.Name, st.Criteria(lower))
		if err != nil {
			if ctx.Err() != nil {
				return "", nil
			}
			var se *mailstore.SearchError
			if errors.As(err, &se) {
				// a single failed query may be transient; later strategies
				// still get their shot
				p.logger.Debug("strategy failed", "strategy", st.Name, "error", err)
				searchFailures++
				lastSearchErr = err
				continue
			}
			return "", err
		}
		if len(ids) == 0 {
			continue
		}
		p.logger.Debug("strategy matched", "strategy", st.Name, "messages", len(ids))

		for i := len(ids) - 1; i >= 0; i-- {
			msg, err := sess.Fetch(ctx, ids[i])
			if err != nil {
				var nf *mailstore.NotFoundError
				if errors.As(err, &nf) {
					continue // expunged under us, skip
				}
				if ctx.Err() != nil {
					return "", nil
				}
				return "", err
			}
			if windowed && !msg.Date.IsZero() && msg.Date.Before(lower) {
				p.logger.Debug("skipping stale message",
					"seq", msg.SeqNum, "from", msg.From, "date", msg.Date.Format(time.DateTime))
				continue
			}
			code, ok := p.extractor.Code(p.extractor.Body(msg.Raw))
			if !ok {
				continue
			}
			p.logger.Info("verification code extracted",
				"strategy", st.Name, "seq", msg.SeqNum, "from", msg.From, "subject", msg.Subject)
			p.consume(ctx, sess, msg.SeqNum)
			return code, nil
		}
	}

	// every strategy failing at the protocol level means the session itself
	// is gone; surface that instead of burning the remaining rounds
	if searchFailures == len(p.strategies) && lastSearchErr != nil {
		return "", lastSearchErr
	}
	return "", nil
}

// consume deletes the winning message when configured to. Failures are
// logged only; the code is already in hand.
func (p *Poller) consume(ctx context.Context, sess Session, seqNum uint32) {
	if !p.opts.DeleteAfterUse {
		return
	}
	p.logger.Info("deleting code email after grace period", "wait", p.opts.DeleteWait)
	retry.Sleep(ctx, p.opts.DeleteWait)
	if err := sess.MarkDeleted(ctx, seqNum); err != nil {
		p.logger.Warn("failed to flag message deleted", "seq", seqNum, "error", err)
		return
	}
	if err := sess.Expunge(ctx); err != nil {
		p.logger.Warn("failed to expunge flagged message", "seq", seqNum, "error", err)
		return
	}
	p.logger.Info("code email deleted", "seq", seqNum)
}
