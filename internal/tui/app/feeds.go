package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/refetch"
	"github.com/petshop/pulse/internal/session"
)

// Feed payloads. Gen ties each value to the session that mounted its feed
// so values still queued after a sign-out are ignored.
type (
	ProductsMsg struct {
		Gen   int
		Items []api.Product
	}
	NotificationsMsg struct {
		Gen   int
		Items []api.Notification
	}
	AdoptionsMsg struct {
		Gen   int
		Items []api.AdoptionRequest
	}
	UsersMsg struct {
		Gen   int
		Items []api.User
	}
	CommunityMsg struct {
		Gen   int
		Value Community
	}
	FeedErrorMsg struct {
		Gen int
		Err *refetch.RefetchError
	}
)

// Community groups the three fundraising-side lists shown on one tab.
type Community struct {
	Events      []api.Event
	Fundraisers []api.Fundraiser
	Donations   []api.Donation
}

// fetchCommunity loads the three lists concurrently.
func fetchCommunity(c *api.Client) func(context.Context) (Community, error) {
	return func(ctx context.Context) (Community, error) {
		var out Community
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			out.Events, err = c.ListEvents(ctx)
			return err
		})
		g.Go(func() (err error) {
			out.Fundraisers, err = c.ListFundraising(ctx)
			return err
		})
		g.Go(func() (err error) {
			out.Donations, err = c.ListDonations(ctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return Community{}, err
		}
		return out, nil
	}
}

// feeds holds the refetch consumers mounted for one session.
type feeds struct {
	gen           int
	products      *refetch.Consumer[[]api.Product]
	notifications *refetch.Consumer[[]api.Notification]
	adoptions     *refetch.Consumer[[]api.AdoptionRequest]
	users         *refetch.Consumer[[]api.User]
	community     *refetch.Consumer[Community]
}

func newFeeds(d Deps, sess session.Session, gen int) *feeds {
	post := d.Bridge.Post
	onErr := func(err *refetch.RefetchError) { post(FeedErrorMsg{Gen: gen, Err: err}) }

	f := &feeds{gen: gen}
	f.products = refetch.NewConsumer(d.Bus, refetch.Options[[]api.Product]{
		Name:    "products",
		Topics:  []protocol.Topic{protocol.TopicProductsChanged, protocol.TopicCategoriesChanged},
		Fetch:   d.API.ListProducts,
		Apply:   func(v []api.Product) { post(ProductsMsg{Gen: gen, Items: v}) },
		OnError: onErr,
		Window:  d.Refetch.Window,
		MaxWait: d.Refetch.MaxWait,
		Logger:  d.Logger,
		Metrics: d.Metrics,
	})
	f.notifications = refetch.NewConsumer(d.Bus, refetch.Options[[]api.Notification]{
		Name:    "notifications",
		Topics:  []protocol.Topic{protocol.TopicNotificationsChanged},
		Fetch:   d.API.ListNotifications,
		Apply:   func(v []api.Notification) { post(NotificationsMsg{Gen: gen, Items: v}) },
		OnError: onErr,
		Window:  d.Refetch.Window,
		MaxWait: d.Refetch.MaxWait,
		Logger:  d.Logger,
		Metrics: d.Metrics,
	})
	f.community = refetch.NewConsumer(d.Bus, refetch.Options[Community]{
		Name: "community",
		Topics: []protocol.Topic{
			protocol.TopicEventsChanged,
			protocol.TopicFundraisingChanged,
			protocol.TopicDonationsChanged,
		},
		Fetch:   fetchCommunity(d.API),
		Apply:   func(v Community) { post(CommunityMsg{Gen: gen, Value: v}) },
		OnError: onErr,
		Window:  d.Refetch.Window,
		MaxWait: d.Refetch.MaxWait,
		Logger:  d.Logger,
		Metrics: d.Metrics,
	})
	if sess.Role != session.Seller {
		filter := adoptionFilter(sess)
		f.adoptions = refetch.NewConsumer(d.Bus, refetch.Options[[]api.AdoptionRequest]{
			Name:   "adoption-requests",
			Topics: []protocol.Topic{protocol.TopicAdoptionRequestsChanged},
			Fetch: func(ctx context.Context) ([]api.AdoptionRequest, error) {
				return d.API.ListAdoptionRequests(ctx, filter)
			},
			Apply:    func(v []api.AdoptionRequest) { post(AdoptionsMsg{Gen: gen, Items: v}) },
			OnError:  onErr,
			Relevant: adoptionRelevant(sess),
			Window:   d.Refetch.Window,
			MaxWait:  d.Refetch.MaxWait,
			Logger:   d.Logger,
			Metrics:  d.Metrics,
		})
	}
	if sess.Role == session.Admin {
		f.users = refetch.NewConsumer(d.Bus, refetch.Options[[]api.User]{
			Name:    "users",
			Topics:  []protocol.Topic{protocol.TopicUserStatusChanged, protocol.TopicUserDeleted},
			Fetch:   d.API.ListUsers,
			Apply:   func(v []api.User) { post(UsersMsg{Gen: gen, Items: v}) },
			OnError: onErr,
			Patch:   patchUsers,
			Window:  d.Refetch.Window,
			MaxWait: d.Refetch.MaxWait,
			Logger:  d.Logger,
			Metrics: d.Metrics,
		})
	}
	return f
}

func (f *feeds) mount(ctx context.Context) error {
	errs := []error{
		f.products.Mount(ctx),
		f.notifications.Mount(ctx),
		f.community.Mount(ctx),
	}
	if f.adoptions != nil {
		errs = append(errs, f.adoptions.Mount(ctx))
	}
	if f.users != nil {
		errs = append(errs, f.users.Mount(ctx))
	}
	return errors.Join(errs...)
}

func (f *feeds) unmount() {
	f.products.Unmount()
	f.notifications.Unmount()
	f.community.Unmount()
	if f.adoptions != nil {
		f.adoptions.Unmount()
	}
	if f.users != nil {
		f.users.Unmount()
	}
}

// refetch forces a fetch of the feed behind tab.
func (f *feeds) refetch(tab Tab) {
	switch tab {
	case TabProducts:
		f.products.Refetch()
	case TabNotifications:
		f.notifications.Refetch()
	case TabCommunity:
		f.community.Refetch()
	case TabAdoptions:
		if f.adoptions != nil {
			f.adoptions.Refetch()
		}
	case TabUsers:
		if f.users != nil {
			f.users.Refetch()
		}
	}
}

// adoptionFilter scopes the list to requests sess takes part in. Admins see
// everything.
func adoptionFilter(sess session.Session) api.AdoptionFilter {
	switch sess.Role {
	case session.Adopter:
		return api.AdoptionFilter{AdopterID: sess.UserID}
	case session.Shelter:
		return api.AdoptionFilter{ShelterID: sess.UserID}
	}
	return api.AdoptionFilter{}
}

// adoptionRelevant drops events that name other parties. An event without
// ids could concern anyone and always refetches.
func adoptionRelevant(sess session.Session) func(protocol.Event) bool {
	return func(ev protocol.Event) bool {
		e, ok := ev.(protocol.AdoptionRequestsChanged)
		if !ok {
			return true
		}
		switch sess.Role {
		case session.Adopter:
			return e.AdopterID == "" || e.AdopterID == sess.UserID
		case session.Shelter:
			return e.ShelterID == "" || e.ShelterID == sess.UserID
		}
		return true
	}
}

// patchUsers applies status changes and deletions to the user list without
// a round trip. Unknown users fall back to a refetch.
func patchUsers(cur []api.User, ev protocol.Event) ([]api.User, bool) {
	switch e := ev.(type) {
	case protocol.UserStatusChanged:
		for i := range cur {
			if cur[i].ID == e.UserID {
				next := append([]api.User(nil), cur...)
				next[i].Status = e.Status
				return next, true
			}
		}
	case protocol.UserDeleted:
		for i := range cur {
			if cur[i].ID == e.UserID {
				next := make([]api.User, 0, len(cur)-1)
				next = append(next, cur[:i]...)
				return append(next, cur[i+1:]...), true
			}
		}
	}
	return cur, false
}
