package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credentials describes how to reach and authenticate against the watched mailbox.
// A fresh session is opened from a copy of this value on every cycle.
type Credentials struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// RawMessage is a message body as fetched from the server. The UID is only
// meaningful inside the session that fetched it.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Raw          []byte
}

// Record is the normalized, persisted view of one ingested message.
type Record struct {
	ID            string     `json:"_id"`
	Subject       *string    `json:"subject"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Date          *time.Time `json:"date"`
	Headers       HeaderMap  `json:"rawHeaders"`
	Text          string     `json:"rawText"`
	ReceivedChain []string   `json:"receivedChain"`
	ESP           string     `json:"esp"`
	Hash          string     `json:"hash"`
	ProcessedAt   time.Time  `json:"processedAt"`
}

// HeaderMap holds every header of a message keyed by lower-cased name, values
// in source order. A header that occurs once encodes to a JSON string, a
// repeated header to an array.
type HeaderMap map[string][]string

// Get returns the first value stored for key.
func (h HeaderMap) Get(key string) string {
	if values := h[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func (h HeaderMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
			continue
		case 1:
			out[key] = values[0]
		default:
			out[key] = values
		}
	}
	return json.Marshal(out)
}

func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	decoded := make(HeaderMap, len(in))
	for key, raw := range in {
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			decoded[key] = []string{single}
			continue
		}
		var many []string
		if err := json.Unmarshal(raw, &many); err != nil {
			return fmt.Errorf("header %q: %w", key, err)
		}
		decoded[key] = many
	}
	*h = decoded
	return nil
}
