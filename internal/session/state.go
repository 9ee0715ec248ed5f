package session

import (
	"encoding/json"
	"fmt"
)

type Role int

const (
	Adopter Role = iota
	Shelter
	Seller
	Admin
)

var roleNames = map[Role]string{
	Adopter: "adopter",
	Shelter: "shelter",
	Seller:  "seller",
	Admin:   "admin",
}

var roleFromName = map[string]Role{
	"adopter": Adopter,
	"shelter": Shelter,
	"seller":  Seller,
	"admin":   Admin,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseRole maps a wire name to a Role. Unknown names are an error rather
// than a silent default, since role drives logout policy.
func ParseRole(name string) (Role, error) {
	if r, ok := roleFromName[name]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown role %q", name)
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

type Status int

const (
	Active Status = iota
	Pending
	Blocked
)

var statusNames = map[Status]string{
	Active:  "active",
	Pending: "pending",
	Blocked: "blocked",
}

var statusFromName = map[string]Status{
	"active":  Active,
	"pending": Pending,
	"blocked": Blocked,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseStatus(name string) (Status, error) {
	if s, ok := statusFromName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := ParseStatus(n)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Session is the authenticated identity of the current process.
type Session struct {
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	Status    Status `json:"status"`
	AuthToken string `json:"-"`
}

// SameIdentity reports whether two sessions would authenticate the same
// connection: same subject and same credentials.
func (s Session) SameIdentity(o Session) bool {
	return s.UserID == o.UserID && s.AuthToken == o.AuthToken
}
