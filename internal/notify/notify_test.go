package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

func TestTypedNotifiers(t *testing.T) {
	b := bus.New(bus.Options{})

	var adoption []protocol.AdoptionRequestsChanged
	var status []protocol.UserStatusChanged
	products := 0

	subs := []*bus.Subscription{
		OnAdoptionRequestsChanged(b, func(e protocol.AdoptionRequestsChanged) { adoption = append(adoption, e) }),
		OnUserStatusChanged(b, func(e protocol.UserStatusChanged) { status = append(status, e) }),
		OnProductsChanged(b, func(protocol.ProductsChanged) { products++ }),
	}

	b.Deliver(protocol.Envelope{
		Topic:   protocol.TopicAdoptionRequestsChanged,
		Payload: json.RawMessage(`{"shelterId":"S1","adopterId":"A1"}`),
	})
	b.Deliver(protocol.Envelope{
		Topic:   protocol.TopicUserStatusChanged,
		Payload: json.RawMessage(`{"userId":"U1","status":"pending"}`),
	})
	b.Deliver(protocol.Envelope{Topic: protocol.TopicProductsChanged, Payload: json.RawMessage(`{}`)})

	assert.Equal(t, []protocol.AdoptionRequestsChanged{{AdopterID: "A1", ShelterID: "S1"}}, adoption)
	assert.Equal(t, []protocol.UserStatusChanged{{UserID: "U1", Status: session.Pending}}, status)
	assert.Equal(t, 1, products)

	for _, s := range subs {
		s.Close()
	}
	b.Deliver(protocol.Envelope{Topic: protocol.TopicProductsChanged})
	assert.Equal(t, 1, products)
}

func TestEveryNotifierSubscribesItsTopic(t *testing.T) {
	b := bus.New(bus.Options{})
	subs := map[protocol.Topic]*bus.Subscription{
		protocol.TopicProductsChanged:         OnProductsChanged(b, func(protocol.ProductsChanged) {}),
		protocol.TopicCategoriesChanged:       OnCategoriesChanged(b, func(protocol.CategoriesChanged) {}),
		protocol.TopicNotificationsChanged:    OnNotificationsChanged(b, func(protocol.NotificationsChanged) {}),
		protocol.TopicEventsChanged:           OnEventsChanged(b, func(protocol.EventsChanged) {}),
		protocol.TopicFundraisingChanged:      OnFundraisingChanged(b, func(protocol.FundraisingChanged) {}),
		protocol.TopicDonationsChanged:        OnDonationsChanged(b, func(protocol.DonationsChanged) {}),
		protocol.TopicAdoptionRequestsChanged: OnAdoptionRequestsChanged(b, func(protocol.AdoptionRequestsChanged) {}),
		protocol.TopicUserStatusChanged:       OnUserStatusChanged(b, func(protocol.UserStatusChanged) {}),
		protocol.TopicPasswordReset:           OnPasswordReset(b, func(protocol.PasswordReset) {}),
		protocol.TopicUserDeleted:             OnUserDeleted(b, func(protocol.UserDeleted) {}),
	}
	assert.ElementsMatch(t, protocol.KnownTopics(), b.Topics())
	for topic, s := range subs {
		assert.Equal(t, topic, s.Topic())
	}
}

func TestWrongDynamicTypeIgnored(t *testing.T) {
	b := bus.New(bus.Options{})
	called := false
	OnPasswordReset(b, func(protocol.PasswordReset) { called = true })

	// An Unknown event carrying the same topic name is not a PasswordReset.
	b.Dispatch(protocol.Unknown{Name: protocol.TopicPasswordReset})
	assert.False(t, called)
}
