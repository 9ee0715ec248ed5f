// Package protocol defines the push wire contract: the {topic, payload}
// envelope, the known topics, and a closed set of typed events decoded from
// them. Unknown topics decode to Unknown so newer servers do not break older
// clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/petshop/pulse/internal/session"
)

// Topic identifies one category of server-side change.
type Topic string

const (
	TopicProductsChanged         Topic = "products:changed"
	TopicCategoriesChanged       Topic = "categories:changed"
	TopicNotificationsChanged    Topic = "notifications:changed"
	TopicEventsChanged           Topic = "events:changed"
	TopicFundraisingChanged      Topic = "fundraising:changed"
	TopicDonationsChanged        Topic = "donations:changed"
	TopicAdoptionRequestsChanged Topic = "adoption-requests:changed"
	TopicUserStatusChanged       Topic = "user:status-changed"
	TopicPasswordReset           Topic = "user:password-reset"
	TopicUserDeleted             Topic = "user:deleted"
)

var knownTopics = map[Topic]bool{
	TopicProductsChanged:         true,
	TopicCategoriesChanged:       true,
	TopicNotificationsChanged:    true,
	TopicEventsChanged:           true,
	TopicFundraisingChanged:      true,
	TopicDonationsChanged:        true,
	TopicAdoptionRequestsChanged: true,
	TopicUserStatusChanged:       true,
	TopicPasswordReset:           true,
	TopicUserDeleted:             true,
}

// Known reports whether t is one of the topics this client understands.
func (t Topic) Known() bool {
	return knownTopics[t]
}

// KnownTopics returns every known topic in lexical order.
func KnownTopics() []Topic {
	out := make([]Topic, 0, len(knownTopics))
	for t := range knownTopics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Envelope is the server-to-client message shape.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Action is a client-to-server control verb.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Control is the client-to-server frame used to arm and disarm topics.
type Control struct {
	Action Action `json:"action"`
	Topic  Topic  `json:"topic"`
}

var (
	ErrEmptyTopic     = errors.New("protocol: empty topic")
	ErrMissingSubject = errors.New("protocol: missing userId")
	ErrMissingStatus  = errors.New("protocol: missing status")
)

// Event is a decoded ChangeEvent. The set of implementations is closed.
type Event interface {
	Topic() Topic
	isEvent()
}

// SecurityEvent is an Event that names the user it is about.
type SecurityEvent interface {
	Event
	Subject() string
}

type ProductsChanged struct{}
type CategoriesChanged struct{}
type NotificationsChanged struct{}
type EventsChanged struct{}
type FundraisingChanged struct{}
type DonationsChanged struct{}

// AdoptionRequestsChanged may name the adopter and/or shelter involved so
// consumers can skip refetches that cannot concern them.
type AdoptionRequestsChanged struct {
	AdopterID string `json:"adopterId,omitempty"`
	ShelterID string `json:"shelterId,omitempty"`
}

type UserStatusChanged struct {
	UserID string         `json:"userId"`
	Status session.Status `json:"status"`
}

type PasswordReset struct {
	UserID string `json:"userId"`
}

type UserDeleted struct {
	UserID string `json:"userId"`
}

// Unknown carries a topic this client does not know, payload untouched.
type Unknown struct {
	Name Topic
	Raw  json.RawMessage
}

func (ProductsChanged) Topic() Topic         { return TopicProductsChanged }
func (CategoriesChanged) Topic() Topic       { return TopicCategoriesChanged }
func (NotificationsChanged) Topic() Topic    { return TopicNotificationsChanged }
func (EventsChanged) Topic() Topic           { return TopicEventsChanged }
func (FundraisingChanged) Topic() Topic      { return TopicFundraisingChanged }
func (DonationsChanged) Topic() Topic        { return TopicDonationsChanged }
func (AdoptionRequestsChanged) Topic() Topic { return TopicAdoptionRequestsChanged }
func (UserStatusChanged) Topic() Topic       { return TopicUserStatusChanged }
func (PasswordReset) Topic() Topic           { return TopicPasswordReset }
func (UserDeleted) Topic() Topic             { return TopicUserDeleted }
func (u Unknown) Topic() Topic               { return u.Name }

func (ProductsChanged) isEvent()         {}
func (CategoriesChanged) isEvent()       {}
func (NotificationsChanged) isEvent()    {}
func (EventsChanged) isEvent()           {}
func (FundraisingChanged) isEvent()      {}
func (DonationsChanged) isEvent()        {}
func (AdoptionRequestsChanged) isEvent() {}
func (UserStatusChanged) isEvent()       {}
func (PasswordReset) isEvent()           {}
func (UserDeleted) isEvent()             {}
func (Unknown) isEvent()                 {}

func (e UserStatusChanged) Subject() string { return e.UserID }
func (e PasswordReset) Subject() string     { return e.UserID }
func (e UserDeleted) Subject() string       { return e.UserID }

// Decode turns an envelope into a typed Event. A known topic with a payload
// that does not fit its shape is an error; an unknown topic never is.
func Decode(env Envelope) (Event, error) {
	if env.Topic == "" {
		return nil, ErrEmptyTopic
	}
	switch env.Topic {
	case TopicProductsChanged:
		return ProductsChanged{}, nil
	case TopicCategoriesChanged:
		return CategoriesChanged{}, nil
	case TopicNotificationsChanged:
		return NotificationsChanged{}, nil
	case TopicEventsChanged:
		return EventsChanged{}, nil
	case TopicFundraisingChanged:
		return FundraisingChanged{}, nil
	case TopicDonationsChanged:
		return DonationsChanged{}, nil
	case TopicAdoptionRequestsChanged:
		// Both ids are optional, so no payload is an unscoped change.
		var p AdoptionRequestsChanged
		if emptyPayload(env.Payload) {
			return p, nil
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TopicUserStatusChanged:
		var p struct {
			UserID string          `json:"userId"`
			Status *session.Status `json:"status"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Topic, ErrMissingSubject)
		}
		if p.Status == nil {
			return nil, fmt.Errorf("%s: %w", env.Topic, ErrMissingStatus)
		}
		return UserStatusChanged{UserID: p.UserID, Status: *p.Status}, nil
	case TopicPasswordReset:
		var p PasswordReset
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Topic, ErrMissingSubject)
		}
		return p, nil
	case TopicUserDeleted:
		var p UserDeleted
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: %w", env.Topic, ErrMissingSubject)
		}
		return p, nil
	}
	return Unknown{Name: env.Topic, Raw: env.Payload}, nil
}

// Encode is the inverse of Decode.
func Encode(ev Event) (Envelope, error) {
	if u, ok := ev.(Unknown); ok {
		return Envelope{Topic: u.Name, Payload: u.Raw}, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Topic(), err)
	}
	return Envelope{Topic: ev.Topic(), Payload: data}, nil
}

func emptyPayload(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func unmarshalPayload(env Envelope, out any) error {
	if emptyPayload(env.Payload) {
		return fmt.Errorf("%s: empty payload: %w", env.Topic, ErrMissingSubject)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Topic, err)
	}
	return nil
}
