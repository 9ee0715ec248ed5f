package pushserver

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrBadCredentials     = errors.New("invalid email or password")
	ErrNoAdoptionRequests = errors.New("no adoption requests")
)

// DemoPassword is the initial password of every seeded account.
const DemoPassword = "petshop"

type account struct {
	api.User
	password string
}

// Fixtures is the in-memory marketplace behind the dev server's REST
// endpoints. Every mutation returns the event that announces it.
type Fixtures struct {
	mu            sync.RWMutex
	users         map[string]*account
	products      []api.Product
	categories    []api.Category
	notifications []api.Notification
	events        []api.Event
	fundraising   []api.Fundraiser
	donations     []api.Donation
	adoptions     []api.AdoptionRequest
	rng           *rand.Rand
}

func NewFixtures() *Fixtures {
	now := time.Now().UTC()
	f := &Fixtures{
		users: make(map[string]*account),
		categories: []api.Category{
			{ID: "c-food", Name: "Food"},
			{ID: "c-toys", Name: "Toys"},
			{ID: "c-care", Name: "Care"},
		},
		products: []api.Product{
			{ID: "p-kibble", Name: "Kibble 5kg", CategoryID: "c-food", Price: 24.9, Stock: 40},
			{ID: "p-ball", Name: "Squeaky ball", CategoryID: "c-toys", Price: 4.5, Stock: 120},
			{ID: "p-brush", Name: "Grooming brush", CategoryID: "c-care", Price: 11, Stock: 18},
		},
		events: []api.Event{
			{ID: "e-fair", Title: "Adoption fair", Location: "Central park", StartsAt: now.Add(72 * time.Hour)},
		},
		fundraising: []api.Fundraiser{
			{ID: "f-shelter-roof", Title: "New shelter roof", Goal: 5000, Raised: 1250},
		},
		adoptions: []api.AdoptionRequest{
			{ID: "a-1", PetName: "Biscuit", AdopterID: "u-adopter", ShelterID: "u-shelter", Status: api.AdoptionPending},
		},
		rng: rand.New(rand.NewSource(now.UnixNano())),
	}
	for _, u := range []api.User{
		{ID: "u-admin", Name: "Ada Admin", Email: "admin@petshop.test", Role: session.Admin, Status: session.Active},
		{ID: "u-adopter", Name: "Alex Adopter", Email: "adopter@petshop.test", Role: session.Adopter, Status: session.Active},
		{ID: "u-shelter", Name: "Happy Paws", Email: "shelter@petshop.test", Role: session.Shelter, Status: session.Active},
		{ID: "u-seller", Name: "Pet Supplies Co", Email: "seller@petshop.test", Role: session.Seller, Status: session.Pending},
	} {
		f.users[u.ID] = &account{User: u, password: DemoPassword}
	}
	f.notifications = []api.Notification{
		{ID: uuid.NewString(), UserID: "u-adopter", Message: "Welcome to the marketplace", CreatedAt: now},
	}
	return f
}

// Authenticate returns the user owning email if password matches.
func (f *Fixtures) Authenticate(email, password string) (api.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, a := range f.users {
		if a.Email == email && a.password == password {
			return a.User, nil
		}
	}
	return api.User{}, ErrBadCredentials
}

func (f *Fixtures) User(id string) (api.User, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.users[id]
	if !ok {
		return api.User{}, false
	}
	return a.User, true
}

func (f *Fixtures) Users() []api.User {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]api.User, 0, len(f.users))
	for _, a := range f.users {
		out = append(out, a.User)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fixtures) Products() []api.Product {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]api.Product{}, f.products...)
}

func (f *Fixtures) Categories() []api.Category {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]api.Category{}, f.categories...)
}

// Notifications returns the notifications addressed to userID, newest first.
func (f *Fixtures) Notifications(userID string) []api.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []api.Notification{}
	for i := len(f.notifications) - 1; i >= 0; i-- {
		if f.notifications[i].UserID == userID {
			out = append(out, f.notifications[i])
		}
	}
	return out
}

func (f *Fixtures) Events() []api.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]api.Event{}, f.events...)
}

func (f *Fixtures) Fundraising() []api.Fundraiser {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]api.Fundraiser{}, f.fundraising...)
}

func (f *Fixtures) Donations() []api.Donation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]api.Donation{}, f.donations...)
}

func (f *Fixtures) AdoptionRequests(filter api.AdoptionFilter) []api.AdoptionRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []api.AdoptionRequest{}
	for _, a := range f.adoptions {
		if filter.AdopterID != "" && a.AdopterID != filter.AdopterID {
			continue
		}
		if filter.ShelterID != "" && a.ShelterID != filter.ShelterID {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (f *Fixtures) SetUserStatus(id string, status session.Status) (protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	a.Status = status
	return protocol.UserStatusChanged{UserID: id, Status: status}, nil
}

// ResetPassword sets a new password for id.
func (f *Fixtures) ResetPassword(id, password string) (protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	a.password = password
	return protocol.PasswordReset{UserID: id}, nil
}

func (f *Fixtures) DeleteUser(id string) (protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	delete(f.users, id)
	return protocol.UserDeleted{UserID: id}, nil
}

// RestockRandom changes the stock of one product.
func (f *Fixtures) RestockRandom() protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &f.products[f.rng.Intn(len(f.products))]
	p.Stock = f.rng.Intn(200)
	return protocol.ProductsChanged{}
}

func (f *Fixtures) Notify(userID, message string) protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, api.Notification{
		ID: uuid.NewString(), UserID: userID, Message: message, CreatedAt: time.Now().UTC(),
	})
	return protocol.NotificationsChanged{}
}

// Donate records a donation towards the first fundraiser.
func (f *Fixtures) Donate(donorID string, amount float64) []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := api.Donation{ID: uuid.NewString(), DonorID: donorID, Amount: amount, CreatedAt: time.Now().UTC()}
	if len(f.fundraising) > 0 {
		d.FundraiserID = f.fundraising[0].ID
		f.fundraising[0].Raised += amount
	}
	f.donations = append(f.donations, d)
	return []protocol.Event{protocol.DonationsChanged{}, protocol.FundraisingChanged{}}
}

// AdvanceAdoption moves the oldest pending request to a final status, or
// opens a new one when none is pending.
func (f *Fixtures) AdvanceAdoption() (protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adoptions) == 0 {
		return nil, ErrNoAdoptionRequests
	}
	for i := range f.adoptions {
		a := &f.adoptions[i]
		if a.Status != api.AdoptionPending {
			continue
		}
		a.Status = api.AdoptionApproved
		if f.rng.Intn(2) == 0 {
			a.Status = api.AdoptionRejected
		}
		return protocol.AdoptionRequestsChanged{AdopterID: a.AdopterID, ShelterID: a.ShelterID}, nil
	}
	tmpl := f.adoptions[0]
	a := api.AdoptionRequest{
		ID:        uuid.NewString(),
		PetName:   petNames[f.rng.Intn(len(petNames))],
		AdopterID: tmpl.AdopterID,
		ShelterID: tmpl.ShelterID,
		Status:    api.AdoptionPending,
	}
	f.adoptions = append(f.adoptions, a)
	return protocol.AdoptionRequestsChanged{AdopterID: a.AdopterID, ShelterID: a.ShelterID}, nil
}

var petNames = []string{"Biscuit", "Mochi", "Pepper", "Luna", "Ziggy", "Olive"}
