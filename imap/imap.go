// Package imap wraps a single authenticated IMAP connection used for one
// polling cycle.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/espwatch/model"
)

const (
	DefaultMailbox = "INBOX"
	DefaultTimeout = 30 * time.Second

	logoutTimeout = 5 * time.Second
)

var (
	ErrClosed       = errors.New("session is closed")
	ErrNoMailbox    = errors.New("no mailbox selected")
	ErrMissingBody  = errors.New("server returned no body section")
	errMissingHost  = errors.New("imap host is empty")
	errInvalidPort  = errors.New("imap port must be positive")
	errMissingLogin = errors.New("imap username is empty")
)

type client interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imapv2.SelectOptions) selectWaiter
	UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter
	Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter
	Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }

type selectWaiter interface {
	Wait() (*imapv2.SelectData, error)
}

type searchWaiter interface {
	Wait() (*imapv2.SearchData, error)
}

type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

type dialFunc func(ctx context.Context, creds model.Credentials) (client, net.Conn, error)

// Session is a single-use mailbox connection. It is not safe for concurrent
// use; the watcher drives it from one goroutine.
type Session struct {
	client  client
	conn    net.Conn
	logger  *slog.Logger
	mailbox string

	closeOnce sync.Once
	closed    bool
}

type Option func(*openOptions)

type openOptions struct {
	logger *slog.Logger
	dial   dialFunc
}

// WithLogger sets the logger used for session diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func withDialer(dial dialFunc) Option {
	return func(o *openOptions) {
		o.dial = dial
	}
}

// Open dials the server described by creds and logs in. The returned session
// must be closed by the caller.
func Open(ctx context.Context, creds model.Credentials, opts ...Option) (*Session, error) {
	o := openOptions{logger: slog.New(slog.DiscardHandler), dial: dial}
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateCredentials(creds); err != nil {
		return nil, &Error{Op: OpConnect, Err: err}
	}
	if creds.Timeout <= 0 {
		creds.Timeout = DefaultTimeout
	}

	c, conn, err := o.dial(ctx, creds)
	if err != nil {
		return nil, &Error{Op: OpConnect, Err: err}
	}
	s := &Session{client: c, conn: conn, logger: o.logger}

	if conn != nil {
		_ = conn.SetDeadline(time.Now().Add(creds.Timeout))
	}
	stopClose := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	err = c.Login(creds.Username, creds.Password).Wait()
	stopped := stopClose()
	if err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		s.closed = true
		_ = c.Close()
		return nil, &Error{Op: OpConnect, Err: fmt.Errorf("login %s: %w", creds.Username, err)}
	}
	if conn != nil {
		_ = conn.SetDeadline(time.Time{})
	}

	s.logger.Debug("imap session opened", "host", creds.Host, "port", creds.Port, "user", creds.Username, "tls", creds.UseTLS)
	return s, nil
}

// SelectMailbox opens name read-write so that flags can be stored.
func (s *Session) SelectMailbox(name string) error {
	if s.closed {
		return &Error{Op: OpSelect, Mailbox: name, Err: ErrClosed}
	}
	if name == "" {
		name = DefaultMailbox
	}
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		return &Error{Op: OpSelect, Mailbox: name, Err: err}
	}
	s.mailbox = name
	if data != nil {
		s.logger.Debug("imap mailbox selected", "mailbox", name, "messages", data.NumMessages)
	}
	return nil
}

// Search returns the UIDs of unseen messages whose Subject contains token.
func (s *Session) Search(token string) ([]uint32, error) {
	if err := s.ready(OpSearch); err != nil {
		return nil, err
	}
	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
		Header: []imapv2.SearchCriteriaHeaderField{
			{Key: "Subject", Value: token},
		},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &Error{Op: OpSearch, Mailbox: s.mailbox, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	found := data.AllUIDs()
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// Fetch returns a cursor that retrieves the given messages one at a time.
// Bodies are requested with BODY.PEEK[] so fetching leaves \Seen untouched.
// Each message is fully read before the next command is sent, which lets the
// caller Acknowledge between calls to Next.
func (s *Session) Fetch(uids []uint32) *Cursor {
	return &Cursor{session: s, uids: uids}
}

// Acknowledge marks uid as \Seen so later searches skip it.
func (s *Session) Acknowledge(uid uint32) error {
	if err := s.ready(OpAck); err != nil {
		return err
	}
	store := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}
	if err := s.client.Store(imapv2.UIDSetNum(imapv2.UID(uid)), store, nil).Close(); err != nil {
		return &Error{Op: OpAck, Mailbox: s.mailbox, UID: uid, Err: err}
	}
	return nil
}

// Close logs out and releases the connection. It is safe to call more than
// once; failures are only logged.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.closed {
			return
		}
		s.closed = true
		if s.conn != nil {
			_ = s.conn.SetDeadline(time.Now().Add(logoutTimeout))
		}
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Debug("imap logout failed", "err", err)
		}
		if err := s.client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	})
}

func (s *Session) ready(op Op) error {
	if s.closed {
		return &Error{Op: op, Mailbox: s.mailbox, Err: ErrClosed}
	}
	if s.mailbox == "" {
		return &Error{Op: op, Err: ErrNoMailbox}
	}
	return nil
}

// Cursor walks a fetch result. Next returns false once every UID has been
// read or after the first error, which Err then reports.
type Cursor struct {
	session *Session
	uids    []uint32
	pos     int
	err     error
}

func (c *Cursor) Next() (model.RawMessage, bool) {
	if c.err != nil || c.pos >= len(c.uids) {
		return model.RawMessage{}, false
	}
	uid := c.uids[c.pos]
	c.pos++

	if err := c.session.ready(OpFetch); err != nil {
		c.err = err
		return model.RawMessage{}, false
	}
	msg, err := c.session.fetchOne(uid)
	if err != nil {
		c.err = &Error{Op: OpFetch, Mailbox: c.session.mailbox, UID: uid, Err: err}
		return model.RawMessage{}, false
	}
	return msg, true
}

func (c *Cursor) Err() error { return c.err }

// Remaining reports how many UIDs have not been read yet.
func (c *Cursor) Remaining() int { return len(c.uids) - c.pos }

var bodySection = &imapv2.FetchItemBodySection{Peek: true}

func (s *Session) fetchOne(uid uint32) (model.RawMessage, error) {
	opts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{bodySection},
	}
	bufs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), opts).Collect()
	if err != nil {
		return model.RawMessage{}, err
	}
	for _, buf := range bufs {
		if uint32(buf.UID) != uid {
			continue
		}
		body := buf.FindBodySection(bodySection)
		if body == nil && len(buf.BodySection) == 1 {
			body = buf.BodySection[0].Bytes
		}
		if body == nil {
			return model.RawMessage{}, ErrMissingBody
		}
		return model.RawMessage{
			UID:          uid,
			InternalDate: buf.InternalDate,
			Raw:          append([]byte(nil), body...),
		}, nil
	}
	return model.RawMessage{}, fmt.Errorf("uid %d not returned by server", uid)
}

func validateCredentials(creds model.Credentials) error {
	if creds.Host == "" {
		return errMissingHost
	}
	if creds.Port <= 0 {
		return errInvalidPort
	}
	if creds.Username == "" {
		return errMissingLogin
	}
	return nil
}

func dial(ctx context.Context, creds model.Credentials) (client, net.Conn, error) {
	address := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))
	netDialer := &net.Dialer{Timeout: creds.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if creds.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config: &tls.Config{
				ServerName:         creds.Host,
				InsecureSkipVerify: creds.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", address, err)
	}

	// The greeting is bounded by the same timeout as the login that follows,
	// and a cancelled ctx drops the connection.
	_ = conn.SetDeadline(time.Now().Add(creds.Timeout))
	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	c := imapclient.New(conn, &imapclient.Options{})
	err = c.WaitGreeting()
	if !stopClose() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("greeting from %s: %w", address, err)
	}
	return &clientWrapper{Client: c}, conn, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imapv2.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *clientWrapper) Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
