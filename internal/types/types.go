// README: Common value objects shared across modules (ids, points, money, roles, actors).
package types

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Role string

const (
	RoleCustomer       Role = "customer"
	RoleDeliveryPerson Role = "delivery_person"
	RoleBusiness       Role = "business"
	RoleAdmin          Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDeliveryPerson, RoleBusiness, RoleAdmin:
		return true
	}
	return false
}

// Actor is the caller identity handed over by the auth layer. It is trusted as-is.
type Actor struct {
	ID   ID
	Role Role
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

func NewPage(number, limit int) Page {
	if number < 1 {
		number = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return Page{Number: number, Limit: limit}
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}
