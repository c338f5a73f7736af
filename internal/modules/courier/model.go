// README: User aggregate with the embedded delivery-person profile.
package courier

import (
	"time"

	"courier/internal/types"
)

type User struct {
	ID        types.ID
	Role      types.Role
	Name      string
	Email     string
	Active    bool
	Profile   *DeliveryProfile // nil until provisioned
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeliveryProfile struct {
	Available       bool
	Location        *types.Point
	LocationAt      *time.Time
	VehicleType     *string
	Rating          float64
	RatingCount     int
	TotalDeliveries int
}

// NewDeliveryProfile is the only way a profile comes into existence. New profiles start available.
func NewDeliveryProfile(vehicleType string) *DeliveryProfile {
	p := &DeliveryProfile{Available: true}
	if vehicleType != "" {
		p.VehicleType = &vehicleType
	}
	return p
}

func NewUser(id types.ID, role types.Role, now time.Time) *User {
	return &User{ID: id, Role: role, Active: true, CreatedAt: now, UpdatedAt: now}
}

// Eligible reports whether u may accept deliveries at all (availability aside).
func (u *User) Eligible() bool {
	return u.Active && u.Role == types.RoleDeliveryPerson && u.Profile != nil
}

func (u *User) Clone() *User {
	cp := *u
	if u.Profile != nil {
		p := *u.Profile
		if p.Location != nil {
			loc := *p.Location
			p.Location = &loc
		}
		if p.LocationAt != nil {
			at := *p.LocationAt
			p.LocationAt = &at
		}
		if p.VehicleType != nil {
			v := *p.VehicleType
			p.VehicleType = &v
		}
		cp.Profile = &p
	}
	return &cp
}

type Filter struct {
	Role          types.Role
	AvailableOnly bool
}
