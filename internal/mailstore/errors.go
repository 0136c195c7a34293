package mailstore

import "fmt"

// ConnectionError is returned when the IMAP session could not be established
// after exhausting the connect retry budget.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailstore: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError is returned when IMAP authentication fails. Permanent means the
// server rejected the credentials themselves; retrying is pointless and the
// app password needs to be rotated by a human.
type AuthError struct {
	Permanent bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("mailstore: credentials rejected: %v", e.Err)
	}
	return fmt.Sprintf("mailstore: authentication failed (transient): %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MailboxError is returned when a mailbox cannot be selected, either because
// it does not exist or the session has gone stale.
type MailboxError struct {
	Name string
	Err  error
}

func (e *MailboxError) Error() string {
	return fmt.Sprintf("mailstore: select %q: %v", e.Name, e.Err)
}

func (e *MailboxError) Unwrap() error { return e.Err }

// SearchError is returned when a single search query fails at the protocol
// level. An empty result set is not a SearchError.
type SearchError struct {
	Strategy string
	Err      error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("mailstore: search %q: %v", e.Strategy, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// NotFoundError is returned when a message id from a search no longer exists,
// for example because another client expunged it concurrently.
type NotFoundError struct {
	SeqNum uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mailstore: message %d not found", e.SeqNum)
}
