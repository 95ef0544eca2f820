// Package ingest turns fetched message bytes into normalized records.
package ingest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dhcgn/espwatch/model"
	"github.com/dhcgn/espwatch/provider"
)

// ReceivedHeader is the routing-trace header each transfer agent prepends.
const ReceivedHeader = "Received"

var (
	errEmptyMessage = errors.New("message is empty")
	errNoHeaders    = errors.New("message has no header fields")
)

// ParseError reports a message whose content could not be captured. Such a
// message must stay unacknowledged so it is retried.
type ParseError struct {
	Stage string
	UID   uint32
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse uid %d (%s): %v", e.UID, e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Ingestor parses raw messages. It holds no per-message state and is safe for
// concurrent use.
type Ingestor struct {
	now      func() time.Time
	strip    *bluemonday.Policy
	decoder  *mime.WordDecoder
	classify func(provider.Headers) provider.Label
}

type Option func(*Ingestor)

// WithClock overrides the clock used for Record.ProcessedAt.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) {
		if now != nil {
			in.now = now
		}
	}
}

func New(opts ...Option) *Ingestor {
	in := &Ingestor{
		now:      func() time.Time { return time.Now().UTC() },
		strip:    bluemonday.StrictPolicy(),
		decoder:  &mime.WordDecoder{CharsetReader: charset.Reader},
		classify: provider.Classify,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Process parses msg into a record. The only input besides msg is the clock,
// so identical bytes always produce identical records apart from ProcessedAt.
func (in *Ingestor) Process(msg model.RawMessage) (model.Record, error) {
	if len(bytes.TrimSpace(msg.Raw)) == 0 {
		return model.Record{}, &ParseError{Stage: "read", UID: msg.UID, Err: errEmptyMessage}
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg.Raw)))
	if err != nil {
		return model.Record{}, &ParseError{Stage: "header", UID: msg.UID, Err: err}
	}
	if hdr.Len() == 0 {
		return model.Record{}, &ParseError{Stage: "header", UID: msg.UID, Err: errNoHeaders}
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Raw))
	if err != nil {
		return model.Record{}, &ParseError{Stage: "body", UID: msg.UID, Err: err}
	}

	headers := in.headerMap(hdr)
	chain := receivedChain(hdr)

	rec := model.Record{
		From:          headers.Get("from"),
		To:            headers.Get("to"),
		Headers:       headers,
		Text:          validText(in.bodyText(env)),
		ReceivedChain: chain,
		Hash:          Hash(msg.Raw),
		ProcessedAt:   in.now(),
	}
	if hdr.Has("Subject") {
		subject := headers.Get("subject")
		rec.Subject = &subject
	}
	if date, err := mail.ParseDate(headers.Get("date")); err == nil {
		date = date.UTC()
		rec.Date = &date
	}

	rec.ESP = string(in.classify(provider.Headers{
		From:       firstAddress(env),
		Received:   headers[strings.ToLower(ReceivedHeader)],
		ReturnPath: headers.Get("return-path"),
	}))

	return rec, nil
}

// Hash fingerprints raw message bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (in *Ingestor) headerMap(hdr textproto.Header) model.HeaderMap {
	headers := make(model.HeaderMap, hdr.Len())
	fields := hdr.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		value, err := in.decoder.DecodeHeader(fields.Value())
		if err != nil {
			value = fields.Value()
		}
		headers[key] = append(headers[key], validText(value))
	}
	return headers
}

// receivedChain keeps the Received lines in the order they appear in the
// message. Transfer agents prepend, so the first entry is the newest hop.
// Folds are kept but always written as LF, whatever the source used.
func receivedChain(hdr textproto.Header) []string {
	chain := []string{}
	fields := hdr.FieldsByKey(ReceivedHeader)
	for fields.Next() {
		raw, err := fields.Raw()
		line := string(raw)
		if err != nil {
			line = ReceivedHeader + ": " + fields.Value()
		}
		line = strings.ReplaceAll(strings.TrimRight(line, "\r\n"), "\r\n", "\n")
		chain = append(chain, validText(line))
	}
	return chain
}

// validText replaces bytes that are not UTF-8 so every stored string is
// accepted by text and JSON columns.
func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func (in *Ingestor) bodyText(env *enmime.Envelope) string {
	if strings.TrimSpace(env.Text) != "" {
		return env.Text
	}
	if strings.TrimSpace(env.HTML) == "" {
		return ""
	}
	text := html.UnescapeString(in.strip.Sanitize(env.HTML))
	return strings.Join(strings.Fields(text), " ")
}

func firstAddress(env *enmime.Envelope) string {
	addrs, err := env.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	if a, err := mail.ParseAddress(env.GetHeader("From")); err == nil {
		return a.Address
	}
	return ""
}
