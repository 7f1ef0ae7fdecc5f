// Package wire implements the message envelope shared by all kernel
// channels: an ordered frame set of routing identities, a delimiter, an
// HMAC signature and four JSON parts (header, parent header, metadata,
// content). A Session holds the signing key and identity the frames are
// authenticated with.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delimiter separates routing identities from the signed payload frames.
const Delimiter = "<IDS|MSG>"

// ProtocolVersion is stamped into every header this side produces.
const ProtocolVersion = "5.3"

var (
	ErrBadSignature   = errors.New("wire: signature mismatch")
	ErrMalformedFrame = errors.New("wire: malformed frame set")
)

// Header identifies one message and the session that produced it.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date"`
}

// Message is one decoded envelope. Metadata and Content stay raw; the
// core never interprets payloads beyond framing and signing.
type Message struct {
	Identities   []string        `json:"identities,omitempty"`
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
}

// Session is the signing and identity context shared by every channel of
// one kernel connection. Immutable after construction.
type Session struct {
	ID       string
	Username string
	key      []byte
	scheme   string
}

// NewSession creates a session with a fresh UUID identifier. An empty key
// disables signing (frames carry an empty signature, verification accepts
// anything), matching the connection-file convention.
func NewSession(key, scheme, username string) *Session {
	if scheme == "" {
		scheme = "hmac-sha256"
	}
	if username == "" {
		username = "kernelmux"
	}
	return &Session{
		ID:       uuid.NewString(),
		Username: username,
		key:      []byte(key),
		scheme:   scheme,
	}
}

// NewKey returns a fresh random signing key.
func NewKey() string {
	return uuid.NewString()
}

// NewMessage builds a signed-ready message of the given type with a fresh
// message id. Content may be any JSON-encodable value; nil becomes {}.
func (s *Session) NewMessage(msgType string, content any) (*Message, error) {
	raw, err := marshalOrEmpty(content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: s.Username,
			Session:  s.ID,
			MsgType:  msgType,
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: json.RawMessage("{}"),
		Content:  raw,
	}, nil
}

// NewReply builds a message of the given type whose parent header is
// parent's header, preserving the correlation id.
func (s *Session) NewReply(msgType string, parent *Message, content any) (*Message, error) {
	msg, err := s.NewMessage(msgType, content)
	if err != nil {
		return nil, err
	}
	msg.ParentHeader = parent.Header
	return msg, nil
}

func marshalOrEmpty(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// sign computes the hex HMAC over the four JSON parts in frame order.
func (s *Session) sign(parts ...[]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Serialize encodes msg as the ordered frame set, signing the four JSON
// parts with the session key. The result is one wire unit; the transport
// must preserve message boundaries.
func (s *Session) Serialize(msg *Message) ([]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, err
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, err
	}
	metadata := msg.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	content := msg.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}

	frames := make([]string, 0, len(msg.Identities)+6)
	frames = append(frames, msg.Identities...)
	frames = append(frames,
		Delimiter,
		s.sign(header, parent, metadata, content),
		string(header),
		string(parent),
		string(metadata),
		string(content),
	)
	return json.Marshal(frames)
}

// Deserialize decodes one wire unit, verifies its signature, and returns
// the message. A signature mismatch returns ErrBadSignature; a frame set
// without the delimiter or the four JSON parts returns ErrMalformedFrame.
func (s *Session) Deserialize(data []byte) (*Message, error) {
	var frames []string
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	delim := -1
	for i, f := range frames {
		if f == Delimiter {
			delim = i
			break
		}
	}
	if delim < 0 || len(frames) < delim+6 {
		return nil, ErrMalformedFrame
	}

	identities := frames[:delim]
	sig := frames[delim+1]
	header := []byte(frames[delim+2])
	parent := []byte(frames[delim+3])
	metadata := []byte(frames[delim+4])
	content := []byte(frames[delim+5])

	if len(s.key) > 0 {
		want := s.sign(header, parent, metadata, content)
		if !hmac.Equal([]byte(sig), []byte(want)) {
			return nil, ErrBadSignature
		}
	}

	msg := &Message{Identities: identities}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("%w: parent header: %v", ErrMalformedFrame, err)
	}
	msg.Metadata = json.RawMessage(metadata)
	msg.Content = json.RawMessage(content)
	return msg, nil
}
