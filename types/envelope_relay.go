package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RelayMessage is a decoded relay-to-client frame, the client-side
// counterpart of ClientMessage.
type RelayMessage interface {
	Label() string
}

// OKMessage acknowledges a published event.
type OKMessage struct {
	ID       ID
	Accepted bool
	Message  string
}

func (OKMessage) Label() string { return LabelOK }

// EventDeliveryMessage delivers one event on a subscription.
type EventDeliveryMessage struct {
	SubscriptionID string
	Event          Event
}

func (EventDeliveryMessage) Label() string { return LabelEvent }

// EOSEMessage marks the end of stored events for a subscription.
type EOSEMessage struct {
	SubscriptionID string
}

func (EOSEMessage) Label() string { return LabelEOSE }

// ClosedMessage reports a subscription dropped by the relay.
type ClosedMessage struct {
	SubscriptionID string
	Reason         string
}

func (ClosedMessage) Label() string { return LabelClosed }

// NoticeMessage carries a human-readable message from the relay.
type NoticeMessage struct {
	Message string
}

func (NoticeMessage) Label() string { return LabelNotice }

// CountResponseMessage answers a COUNT request.
type CountResponseMessage struct {
	SubscriptionID string
	Result         CountResult
}

func (CountResponseMessage) Label() string { return LabelCount }

// NegErrMessage aborts a reconciliation session.
type NegErrMessage struct {
	SubscriptionID string
	Reason         string
}

func (NegErrMessage) Label() string { return LabelNegErr }

// ParseRelayMessage decodes a raw relay-to-client frame. NEG-MSG frames
// decode into the same NegMsgMessage type used for the inbound direction.
func ParseRelayMessage(data []byte) (RelayMessage, error) {
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
	case LabelOK:
		if len(arr) != 4 {
			return nil, fmt.Errorf("%w: OK wants 4 elements", ErrMalformedFrame)
		}
		var m OKMessage
		if err := json.Unmarshal(arr[1], &m.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(arr[2], &m.Accepted); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(arr[3], &m.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &m, nil
	case LabelEvent:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: EVENT wants 3 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		m := EventDeliveryMessage{SubscriptionID: subID}
		if err := json.Unmarshal(arr[2], &m.Event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &m, nil
	case LabelEOSE:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: EOSE wants 2 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		return &EOSEMessage{SubscriptionID: subID}, nil
	case LabelClosed, LabelNegErr:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: %s wants 3 elements", ErrMalformedFrame, label)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		var reason string
		if err := json.Unmarshal(arr[2], &reason); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if label == LabelClosed {
			return &ClosedMessage{SubscriptionID: subID, Reason: reason}, nil
		}
		return &NegErrMessage{SubscriptionID: subID, Reason: reason}, nil
	case LabelNotice:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: NOTICE wants 2 elements", ErrMalformedFrame)
		}
		var m NoticeMessage
		if err := json.Unmarshal(arr[1], &m.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &m, nil
	case LabelCount:
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: COUNT wants 3 elements", ErrMalformedFrame)
		}
		subID, err := parseSubID(arr[1])
		if err != nil {
			return nil, err
		}
		m := CountResponseMessage{SubscriptionID: subID}
		if err := json.Unmarshal(arr[2], &m.Result); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &m, nil
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
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, label)
	}
}

// Client-to-relay frame constructors, used by the client side.

// EventPublishFrame publishes an event.
func EventPublishFrame(e *Event) []byte {
	return mustFrame(LabelEvent, e)
}

// ReqFrame opens or replaces a subscription.
func ReqFrame(subID string, filters Filters) []byte {
	elems := []any{LabelReq, subID}
	for i := range filters {
		elems = append(elems, &filters[i])
	}
	return mustFrame(elems...)
}

// CloseFrame closes a subscription.
func CloseFrame(subID string) []byte {
	return mustFrame(LabelClose, subID)
}

// CountRequestFrame asks for the cardinality of a filter set's result.
func CountRequestFrame(subID string, filters Filters) []byte {
	elems := []any{LabelCount, subID}
	for i := range filters {
		elems = append(elems, &filters[i])
	}
	return mustFrame(elems...)
}

// NegOpenFrame opens a reconciliation session.
func NegOpenFrame(subID string, filter *Filter, initial []byte) []byte {
	return mustFrame(LabelNegOpen, subID, filter, hex.EncodeToString(initial))
}

// NegCloseFrame terminates a reconciliation session.
func NegCloseFrame(subID string) []byte {
	return mustFrame(LabelNegClose, subID)
}
