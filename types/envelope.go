package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type labels. Frames are JSON arrays whose first element is one of
// these labels.
const (
	LabelEvent    = "EVENT"
	LabelReq      = "REQ"
	LabelClose    = "CLOSE"
	LabelCount    = "COUNT"
	LabelOK       = "OK"
	LabelEOSE     = "EOSE"
	LabelClosed   = "CLOSED"
	LabelNotice   = "NOTICE"
	LabelNegOpen  = "NEG-OPEN"
	LabelNegMsg   = "NEG-MSG"
	LabelNegErr   = "NEG-ERR"
	LabelNegClose = "NEG-CLOSE"
)

// ErrMalformedFrame is returned for frames that cannot be decoded into a
// known message. Such frames are logged and ignored by the relay; they never
// terminate the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// ClientMessage is a decoded client-to-relay frame. Decoding happens at the
// transport boundary so business logic only ever sees well-formed messages.
type ClientMessage interface {
	Label() string
}

// EventMessage publishes a single event.
type EventMessage struct {
	Event Event
}

func (EventMessage) Label() string { return LabelEvent }

// ReqMessage opens or replaces a subscription.
type ReqMessage struct {
	SubscriptionID string
	Filters        Filters
}

func (ReqMessage) Label() string { return LabelReq }

// CloseMessage closes a subscription. No response is sent.
type CloseMessage struct {
	SubscriptionID string
}

func (CloseMessage) Label() string { return LabelClose }

// CountMessage requests the cardinality of a filter set's result.
type CountMessage struct {
	SubscriptionID string
	Filters        Filters
}

func (CountMessage) Label() string { return LabelCount }

// NegOpenMessage opens a reconciliation session over a filter.
type NegOpenMessage struct {
	SubscriptionID string
	Filter         Filter
	Initial        []byte
}

func (NegOpenMessage) Label() string { return LabelNegOpen }

// NegMsgMessage carries one reconciliation round's payload.
type NegMsgMessage struct {
	SubscriptionID string
	Payload        []byte
}

func (NegMsgMessage) Label() string { return LabelNegMsg }

// NegCloseMessage terminates a reconciliation session.
type NegCloseMessage struct {
	SubscriptionID string
}

func (NegCloseMessage) Label() string { return LabelNegClose }

// ParseClientMessage decodes a raw frame into a ClientMessage. Anything that
// does not decode cleanly yields ErrMalformedFrame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("%w: non-string label", ErrMalformedFrame)
	}
	switch label {
	case LabelEvent:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: EVENT wants 2 elements, got %d", ErrMalformedFrame, len(arr))
		}
		var m EventMessage
		if err := json.Unmarshal(arr[1], &m.Event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &m, nil
	case LabelReq, LabelCount:
		if len(arr) < 3 {
			return nil, fmt.Errorf("%w: %s wants at least 3 elements", ErrMalformedFrame, label)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		filters := make(Filters, 0, len(arr)-2)
		for _, raw := range arr[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			filters = append(filters, f)
		}
		if label == LabelReq {
			return &ReqMessage{SubscriptionID: subID, Filters: filters}, nil
		}
		return &CountMessage{SubscriptionID: subID, Filters: filters}, nil
	case LabelClose:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: CLOSE wants 2 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		return &CloseMessage{SubscriptionID: subID}, nil
	case LabelNegOpen:
		if len(arr) != 4 {
			return nil, fmt.Errorf("%w: NEG-OPEN wants 4 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		var f Filter
		if err := json.Unmarshal(arr[2], &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		payload, err := parseHexPayload(arr[3])
		if err != nil {
			return nil, err
		}
		return &NegOpenMessage{SubscriptionID: subID, Filter: f, Initial: payload}, nil
	case LabelNegMsg:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: NEG-MSG wants 3 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		payload, err := parseHexPayload(arr[2])
		if err != nil {
			return nil, err
		}
		return &NegMsgMessage{SubscriptionID: subID, Payload: payload}, nil
	case LabelNegClose:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: NEG-CLOSE wants 2 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		return &NegCloseMessage{SubscriptionID: subID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, label)
	}
}

const maxSubscriptionIDLen = 64

func parseSubID(raw json.RawMessage) (string, error) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return "", fmt.Errorf("%w: bad subscription id", ErrMalformedFrame)
	}
	if subID == "" || len(subID) > maxSubscriptionIDLen {
		return "", fmt.Errorf("%w: bad subscription id length %d", ErrMalformedFrame, len(subID))
	}
	return subID, nil
}

func parseHexPayload(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: bad hex payload", ErrMalformedFrame)
	}
	payload, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex payload: %v", ErrMalformedFrame, err)
	}
	return payload, nil
}

// Relay-to-client frame constructors. Event ids and payloads marshal through
// the same typed JSON as inbound frames; errors are impossible for the types
// involved, so these return the encoded frame directly.

// OKFrame acknowledges an EVENT submission.
func OKFrame(id ID, accepted bool, message string) []byte {
	return mustFrame(LabelOK, id, accepted, message)
}

// EventFrame delivers an event on a subscription.
func EventFrame(subID string, e *Event) []byte {
	return mustFrame(LabelEvent, subID, e)
}

// EOSEFrame marks the end of stored events for a subscription.
func EOSEFrame(subID string) []byte {
	return mustFrame(LabelEOSE, subID)
}

// ClosedFrame tells the client the relay dropped a subscription.
func ClosedFrame(subID, reason string) []byte {
	return mustFrame(LabelClosed, subID, reason)
}

// NoticeFrame carries a human-readable message.
func NoticeFrame(message string) []byte {
	return mustFrame(LabelNotice, message)
}

// CountResult is the payload of a COUNT response.
type CountResult struct {
	Count       int64 `json:"count"`
	Approximate bool  `json:"approximate,omitempty"`
}

// CountFrame responds to a COUNT request.
func CountFrame(subID string, result CountResult) []byte {
	return mustFrame(LabelCount, subID, result)
}

// NegMsgFrame carries a reconciliation round back to the client.
func NegMsgFrame(subID string, payload []byte) []byte {
	return mustFrame(LabelNegMsg, subID, hex.EncodeToString(payload))
}

// NegErrFrame aborts a reconciliation session.
func NegErrFrame(subID, reason string) []byte {
	return mustFrame(LabelNegErr, subID, reason)
}

func mustFrame(elems ...any) []byte {
	data, err := json.Marshal(elems)
	if err != nil {
		panic("BUG: frame marshal failed: " + err.Error())
	}
	return data
}
