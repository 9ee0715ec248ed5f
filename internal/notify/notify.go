// Package notify offers one typed subscription function per domain topic.
// Each returns the bus Subscription; the caller closes it.
package notify

import (
	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/protocol"
)

// Subscriber is the part of the bus notifiers need.
type Subscriber interface {
	Subscribe(topic protocol.Topic, h bus.Handler) *bus.Subscription
}

func on[E protocol.Event](s Subscriber, topic protocol.Topic, fn func(E)) *bus.Subscription {
	return s.Subscribe(topic, func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

func OnProductsChanged(s Subscriber, fn func(protocol.ProductsChanged)) *bus.Subscription {
	return on(s, protocol.TopicProductsChanged, fn)
}

func OnCategoriesChanged(s Subscriber, fn func(protocol.CategoriesChanged)) *bus.Subscription {
	return on(s, protocol.TopicCategoriesChanged, fn)
}

func OnNotificationsChanged(s Subscriber, fn func(protocol.NotificationsChanged)) *bus.Subscription {
	return on(s, protocol.TopicNotificationsChanged, fn)
}

func OnEventsChanged(s Subscriber, fn func(protocol.EventsChanged)) *bus.Subscription {
	return on(s, protocol.TopicEventsChanged, fn)
}

func OnFundraisingChanged(s Subscriber, fn func(protocol.FundraisingChanged)) *bus.Subscription {
	return on(s, protocol.TopicFundraisingChanged, fn)
}

func OnDonationsChanged(s Subscriber, fn func(protocol.DonationsChanged)) *bus.Subscription {
	return on(s, protocol.TopicDonationsChanged, fn)
}

func OnAdoptionRequestsChanged(s Subscriber, fn func(protocol.AdoptionRequestsChanged)) *bus.Subscription {
	return on(s, protocol.TopicAdoptionRequestsChanged, fn)
}

func OnUserStatusChanged(s Subscriber, fn func(protocol.UserStatusChanged)) *bus.Subscription {
	return on(s, protocol.TopicUserStatusChanged, fn)
}

func OnPasswordReset(s Subscriber, fn func(protocol.PasswordReset)) *bus.Subscription {
	return on(s, protocol.TopicPasswordReset, fn)
}

func OnUserDeleted(s Subscriber, fn func(protocol.UserDeleted)) *bus.Subscription {
	return on(s, protocol.TopicUserDeleted, fn)
}
