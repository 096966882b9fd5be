// Package types defines the core protocol data model: events, filters and
// the JSON message envelopes exchanged over a relay connection.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// IDSize is the size of an event id in bytes.
	IDSize = 32
	// PubKeySize is the size of an author public key in bytes.
	PubKeySize = 32
	// SignatureSize is the size of a schnorr signature in bytes.
	SignatureSize = 64
)

// ID is an event id: the sha256 hash of the event's canonical serialization.
type ID [IDSize]byte

// PubKey is an x-only schnorr public key identifying an event author.
type PubKey [PubKeySize]byte

// Signature is a schnorr signature over an event id.
type Signature [SignatureSize]byte

// Timestamp is a unix timestamp in seconds.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// ShortString returns the first bytes of the id for logging.
func (id ID) ShortString() string { return hex.EncodeToString(id[:5]) }

// Bytes returns the id as a byte slice.
func (id ID) Bytes() []byte { return id[:] }

// Compare compares two ids lexicographically.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (pk PubKey) String() string { return hex.EncodeToString(pk[:]) }

// ShortString returns the first bytes of the key for logging.
func (pk PubKey) ShortString() string { return hex.EncodeToString(pk[:5]) }

// Bytes returns the key as a byte slice.
func (pk PubKey) Bytes() []byte { return pk[:] }

func (sig Signature) String() string { return hex.EncodeToString(sig[:]) }

func hexMarshal(b []byte) ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(b))+2)
	dst[0] = '"'
	hex.Encode(dst[1:], b)
	dst[len(dst)-1] = '"'
	return dst, nil
}

func hexUnmarshal(dst []byte, data []byte, what string) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("decode %s: bad length %d", what, len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) { return hexMarshal(id[:]) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error { return hexUnmarshal(id[:], data, "event id") }

// MarshalJSON implements json.Marshaler.
func (pk PubKey) MarshalJSON() ([]byte, error) { return hexMarshal(pk[:]) }

// UnmarshalJSON implements json.Unmarshaler.
func (pk *PubKey) UnmarshalJSON(data []byte) error { return hexUnmarshal(pk[:], data, "pubkey") }

// MarshalJSON implements json.Marshaler.
func (sig Signature) MarshalJSON() ([]byte, error) { return hexMarshal(sig[:]) }

// UnmarshalJSON implements json.Unmarshaler.
func (sig *Signature) UnmarshalJSON(data []byte) error {
	return hexUnmarshal(sig[:], data, "signature")
}

// IDFromHex parses a 64-character hex string into an ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDSize) {
		return id, fmt.Errorf("bad event id length %d", len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("bad event id: %w", err)
	}
	return id, nil
}

// PubKeyFromHex parses a 64-character hex string into a PubKey.
func PubKeyFromHex(s string) (PubKey, error) {
	var pk PubKey
	if len(s) != hex.EncodedLen(PubKeySize) {
		return pk, fmt.Errorf("bad pubkey length %d", len(s))
	}
	if _, err := hex.Decode(pk[:], []byte(s)); err != nil {
		return pk, fmt.Errorf("bad pubkey: %w", err)
	}
	return pk, nil
}

// BytesToID converts a 32-byte slice to an ID.
func BytesToID(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("bad event id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Tag is an ordered list of strings; the first element is the tag name.
type Tag []string

// Name returns the tag name, or an empty string for a malformed tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag value (the second element), or an empty string.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// First returns the first tag with the given name.
func (ts Tags) First(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Event is a signed, content-addressed protocol message. Events are immutable
// once accepted; the id is the hash of the canonical serialization and the
// signature covers the id.
type Event struct {
	ID        ID        `json:"id"`
	PubKey    PubKey    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       Signature `json:"sig"`
}

// Serialize returns the canonical serialization of the event, the preimage of
// the event id: a JSON array [0, pubkey, created_at, kind, tags, content] with
// the escaping rules fixed by the protocol.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 256+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = hexAppend(buf, e.PubKey[:])
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, int64(e.CreatedAt), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ',')
	buf = appendTagsJSON(buf, e.Tags)
	buf = append(buf, ',')
	buf = appendEscapedString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the sha256 hash of the canonical serialization.
func (e *Event) ComputeID() ID {
	return ID(sha256.Sum256(e.Serialize()))
}

// CheckID reports whether the event's id matches its contents.
func (e *Event) CheckID() bool {
	return e.ID == e.ComputeID()
}

// IdentifierTag returns the value of the first "d" tag, the replacement key
// component for parameterized replaceable kinds. Absent tag means "".
func (e *Event) IdentifierTag() string {
	if t, ok := e.Tags.First("d"); ok {
		return t.Value()
	}
	return ""
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e *Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", e.ID.ShortString())
	enc.AddString("pubkey", e.PubKey.ShortString())
	enc.AddInt("kind", e.Kind)
	enc.AddInt64("created_at", int64(e.CreatedAt))
	return nil
}

func hexAppend(buf, b []byte) []byte {
	const hextable = "0123456789abcdef"
	for _, c := range b {
		buf = append(buf, hextable[c>>4], hextable[c&0x0f])
	}
	return buf
}

func appendTagsJSON(buf []byte, tags Tags) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendEscapedString(buf, s)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

// appendEscapedString writes s as a JSON string using the protocol's fixed
// escaping: only the characters below are escaped, everything else is written
// raw. encoding/json cannot be used here since it additionally escapes <, >
// and &, which would change the id preimage.
func appendEscapedString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, fmt.Sprintf("\\u%04x", c)...)
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
