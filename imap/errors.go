package imap

import (
	"errors"
	"fmt"
)

// Op names the session step that failed.
type Op string

const (
	OpConnect Op = "connect"
	OpSelect  Op = "select"
	OpSearch  Op = "search"
	OpFetch   Op = "fetch"
	OpAck     Op = "ack"
)

// Error is returned by every Session method. Mailbox and UID are set when
// they apply to the failed step.
type Error struct {
	Op      Op
	Mailbox string
	UID     uint32
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.UID != 0:
		return fmt.Sprintf("imap %s uid %d: %v", e.Op, e.UID, e.Err)
	case e.Mailbox != "":
		return fmt.Sprintf("imap %s %s: %v", e.Op, e.Mailbox, e.Err)
	default:
		return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsOp reports whether err carries an *Error for op.
func IsOp(err error, op Op) bool {
	var ierr *Error
	return errors.As(err, &ierr) && ierr.Op == op
}
