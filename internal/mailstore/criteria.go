package mailstore

import (
	"net/textproto"
	"time"

	"github.com/emersion/go-imap"
)

// Strategy is one mailbox query in a ranked fallback list. Strategies run
// most-specific-first; the ordering shapes the search, it is not a
// correctness requirement.
type Strategy struct {
	Name string
	// UsesWindow marks strategies whose query is bounded by the send window.
	// The remaining ones are wide fallbacks for mail that arrives with a
	// badly skewed Date header.
	UsesWindow bool
	build      func(since time.Time) *imap.SearchCriteria
}

// Criteria builds the IMAP search criteria for this strategy. since is only
// honored when UsesWindow is set. IMAP SINCE has day granularity, so the
// caller still has to filter candidates by their envelope date.
func (s Strategy) Criteria(since time.Time) *imap.SearchCriteria {
	if s.UsesWindow {
		return s.build(since)
	}
	return s.build(time.Time{})
}

// Strategies returns the default ranked query list for M-Team verification
// mail: subject keywords, body keywords, known sender names and addresses,
// then progressively wider nets ending in a bare UNSEEN sweep.
func Strategies() []Strategy {
	return []Strategy{
		windowed("subject-keywords", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				subject("验证"), subject("verification"), subject("code"), subject("驗證"),
			))
		}),
		windowed("body-keywords", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				body("验证码"), body("verification code"), body("驗證碼"),
			))
		}),
		windowed("site-name", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				from("m-team"), subject("m-team"), body("m-team"),
			))
		}),
		windowed("site-name-alt", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				from("mteam"), subject("mteam"), body("mteam"),
			))
		}),
		windowed("known-senders", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				from("web@m-team.cc"), from("noreply@m-team.cc"), from("admin@m-team.cc"),
			))
		}),
		windowed("known-senders-alt", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, anyOf(
				from("no-reply@m-team.cc"), from("service@m-team.cc"), from("system@m-team.cc"),
			))
		}),
		windowed("sender-domain", func(since time.Time) *imap.SearchCriteria {
			return sinceAnd(since, from("@m-team.cc"))
		}),
		windowed("any-recent", func(since time.Time) *imap.SearchCriteria {
			return &imap.SearchCriteria{Since: since}
		}),
		wide("subject-keywords-anytime", func(time.Time) *imap.SearchCriteria {
			return anyOf(
				subject("验证"), subject("verification"), subject("code"), subject("驗證"),
			)
		}),
		wide("body-keywords-anytime", func(time.Time) *imap.SearchCriteria {
			return anyOf(
				body("验证码"), body("verification code"), body("驗證碼"),
			)
		}),
		wide("unseen", func(time.Time) *imap.SearchCriteria {
			return &imap.SearchCriteria{WithoutFlags: []string{imap.SeenFlag}}
		}),
	}
}

func windowed(name string, build func(time.Time) *imap.SearchCriteria) Strategy {
	return Strategy{Name: name, UsesWindow: true, build: build}
}

func wide(name string, build func(time.Time) *imap.SearchCriteria) Strategy {
	return Strategy{Name: name, build: build}
}

func subject(keyword string) *imap.SearchCriteria {
	c := &imap.SearchCriteria{Header: textproto.MIMEHeader{}}
	c.Header.Add("Subject", keyword)
	return c
}

func from(keyword string) *imap.SearchCriteria {
	c := &imap.SearchCriteria{Header: textproto.MIMEHeader{}}
	c.Header.Add("From", keyword)
	return c
}

func body(keyword string) *imap.SearchCriteria {
	return &imap.SearchCriteria{Body: []string{keyword}}
}

// anyOf folds the given criteria into a left-nested OR chain.
func anyOf(crits ...*imap.SearchCriteria) *imap.SearchCriteria {
	cur := crits[0]
	for _, next := range crits[1:] {
		cur = &imap.SearchCriteria{Or: [][2]*imap.SearchCriteria{{cur, next}}}
	}
	return cur
}

// sinceAnd conjoins a SINCE bound with an existing criteria tree.
func sinceAnd(since time.Time, c *imap.SearchCriteria) *imap.SearchCriteria {
	out := *c
	out.Since = since
	return &out
}
