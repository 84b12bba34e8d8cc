package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of event variants the core ever produces.
// Design note: the original source inspected a runtime "type" string to
// decode payloads; here decoding always yields one of these five concrete
// structs or a MalformedEventError, never a bag of interface{}.
type EventKind string

const (
	KindOrderStatusChange EventKind = "order_status_change"
	KindUserStatusChange  EventKind = "user_status_change"
	KindGroupStatusChange EventKind = "group_status_change"
	KindUserAdded         EventKind = "user_added"
	KindGroupAdded        EventKind = "group_added"
)

// Event is implemented by every concrete event variant.
type Event interface {
	Kind() EventKind
	ID() string
	OccurredAt() time.Time
}

// MalformedEventError is returned by DecodeEvent when the envelope's kind
// field is missing or unrecognized, or the payload does not match the kind.
type MalformedEventError struct {
	Kind string
	Err  error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event (kind=%q): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("malformed event: unrecognized kind %q", e.Kind)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// OrderStatusChangeEvent fires whenever a worker successfully commits a
// transition to an order row.
type OrderStatusChangeEvent struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id"`
	GroupID        string    `json:"group_id"`
	OldStatus      OrderStatus `json:"old_status"`
	NewStatus      OrderStatus `json:"new_status"`
	FilledQuantity float64   `json:"filled_quantity"`
	Symbol         string    `json:"symbol"`
}

func (e OrderStatusChangeEvent) Kind() EventKind      { return KindOrderStatusChange }
func (e OrderStatusChangeEvent) ID() string           { return e.EventID }
func (e OrderStatusChangeEvent) OccurredAt() time.Time { return e.Timestamp }

// UserStatusChangeEvent fires when a user's Enabled/Disabled flag changes
// between two consecutive snapshots.
type UserStatusChangeEvent struct {
	EventID   string     `json:"event_id"`
	Timestamp time.Time  `json:"timestamp"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Old       UserStatus `json:"old"`
	New       UserStatus `json:"new"`
}

func (e UserStatusChangeEvent) Kind() EventKind      { return KindUserStatusChange }
func (e UserStatusChangeEvent) ID() string           { return e.EventID }
func (e UserStatusChangeEvent) OccurredAt() time.Time { return e.Timestamp }

// GroupStatusChangeEvent fires when an order group's Open/Closed flag
// changes between two consecutive snapshots.
type GroupStatusChangeEvent struct {
	EventID   string      `json:"event_id"`
	Timestamp time.Time   `json:"timestamp"`
	GroupID   string      `json:"group_id"`
	UserID    string      `json:"user_id"`
	GroupName string      `json:"group_name"`
	Old       GroupStatus `json:"old"`
	New       GroupStatus `json:"new"`
}

func (e GroupStatusChangeEvent) Kind() EventKind      { return KindGroupStatusChange }
func (e GroupStatusChangeEvent) ID() string           { return e.EventID }
func (e GroupStatusChangeEvent) OccurredAt() time.Time { return e.Timestamp }

// UserAddedEvent fires the first time a user appears in a status snapshot.
type UserAddedEvent struct {
	EventID   string     `json:"event_id"`
	Timestamp time.Time  `json:"timestamp"`
	UserID    string     `json:"user_id"`
	Status    UserStatus `json:"status"`
}

func (e UserAddedEvent) Kind() EventKind      { return KindUserAdded }
func (e UserAddedEvent) ID() string           { return e.EventID }
func (e UserAddedEvent) OccurredAt() time.Time { return e.Timestamp }

// GroupAddedEvent fires the first time a group appears in a status snapshot.
type GroupAddedEvent struct {
	EventID   string      `json:"event_id"`
	Timestamp time.Time   `json:"timestamp"`
	GroupID   string      `json:"group_id"`
	UserID    string      `json:"user_id"`
	GroupName string      `json:"group_name"`
	Status    GroupStatus `json:"status"`
}

func (e GroupAddedEvent) Kind() EventKind      { return KindGroupAdded }
func (e GroupAddedEvent) ID() string           { return e.EventID }
func (e GroupAddedEvent) OccurredAt() time.Time { return e.Timestamp }

// envelope is the wire shape used to both encode and sniff the kind before
// unmarshalling into a concrete variant.
type envelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent serializes an Event into the self-describing envelope used for
// the cache queues and the live event stream.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// DecodeEvent parses an envelope produced by EncodeEvent into one of the
// five closed variants. Any other kind, or a payload that doesn't match the
// declared kind, yields a *MalformedEventError.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedEventError{Err: err}
	}
	switch env.Kind {
	case KindOrderStatusChange:
		var e OrderStatusChangeEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, &MalformedEventError{Kind: string(env.Kind), Err: err}
		}
		return e, nil
	case KindUserStatusChange:
		var e UserStatusChangeEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, &MalformedEventError{Kind: string(env.Kind), Err: err}
		}
		return e, nil
	case KindGroupStatusChange:
		var e GroupStatusChangeEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, &MalformedEventError{Kind: string(env.Kind), Err: err}
		}
		return e, nil
	case KindUserAdded:
		var e UserAddedEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, &MalformedEventError{Kind: string(env.Kind), Err: err}
		}
		return e, nil
	case KindGroupAdded:
		var e GroupAddedEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, &MalformedEventError{Kind: string(env.Kind), Err: err}
		}
		return e, nil
	default:
		return nil, &MalformedEventError{Kind: string(env.Kind)}
	}
}
