// README: The order state machine; every transition entry point consults this one table.
package order

import "courier/internal/types"

// Capability is what an actor is to a particular order.
type Capability uint8

const (
	CapCustomer        Capability = 1 << iota // owning customer
	CapBusiness                               // owning business
	CapCourier                                // any delivery person, relevant only while ready
	CapAssignedCourier                        // the delivery person carrying the order
	CapAdmin
)

// transitions maps current status -> next status -> capabilities allowed to perform it.
// The assigned edge is reachable through Accept only.
var transitions = map[Status]map[Status]Capability{
	StatusPending: {
		StatusConfirmed: CapBusiness | CapAdmin,
		StatusCancelled: CapCustomer | CapBusiness | CapAdmin,
	},
	StatusConfirmed: {
		StatusPreparing: CapBusiness | CapAdmin,
		StatusCancelled: CapCustomer | CapBusiness | CapAdmin,
	},
	StatusPreparing: {
		StatusReady:     CapBusiness | CapAdmin,
		StatusCancelled: CapBusiness | CapAdmin,
	},
	StatusReady: {
		StatusAssigned:  CapCourier,
		StatusCancelled: CapBusiness | CapAdmin,
	},
	StatusAssigned: {
		StatusPickedUp:  CapAssignedCourier | CapAdmin,
		StatusDelivered: CapAssignedCourier | CapAdmin,
		StatusCancelled: CapAdmin,
	},
	StatusPickedUp: {
		StatusOnTheWay:  CapAssignedCourier | CapAdmin,
		StatusDelivered: CapAssignedCourier | CapAdmin,
		StatusCancelled: CapAdmin,
	},
	StatusOnTheWay: {
		StatusDelivered: CapAssignedCourier | CapAdmin,
		StatusCancelled: CapAdmin,
	},
	StatusDelivered: {
		StatusRefunded: CapAdmin,
	},
	StatusCancelled: {
		StatusRefunded: CapAdmin,
	},
}

// roleTargets is the fixed allow-list of statuses each role may request through Advance.
var roleTargets = map[types.Role][]Status{
	types.RoleCustomer:       {StatusCancelled},
	types.RoleBusiness:       {StatusConfirmed, StatusPreparing, StatusReady, StatusCancelled},
	types.RoleDeliveryPerson: {StatusPickedUp, StatusOnTheWay, StatusDelivered},
	types.RoleAdmin: {
		StatusConfirmed, StatusPreparing, StatusReady, StatusPickedUp,
		StatusOnTheWay, StatusDelivered, StatusCancelled, StatusRefunded,
	},
}

// Permits reports whether an actor holding caps may move an order from -> to.
func Permits(from, to Status, caps Capability) bool {
	need, ok := transitions[from][to]
	return ok && need&caps != 0
}

func RoleMayTarget(role types.Role, to Status) bool {
	for _, s := range roleTargets[role] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses lists what caps may move the order to from its current status.
func NextStatuses(from Status, caps Capability) []Status {
	var out []Status
	for _, to := range statusOrder {
		if need, ok := transitions[from][to]; ok && need&caps != 0 {
			out = append(out, to)
		}
	}
	return out
}

var statusOrder = []Status{
	StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusAssigned,
	StatusPickedUp, StatusOnTheWay, StatusDelivered, StatusCancelled, StatusRefunded,
}

func ParseStatus(v string) (Status, bool) {
	for _, s := range statusOrder {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// CapabilitiesOf works out what actor is to o.
func CapabilitiesOf(a types.Actor, o *Order) Capability {
	var caps Capability
	switch a.Role {
	case types.RoleCustomer:
		if o.CustomerID == a.ID {
			caps |= CapCustomer
		}
	case types.RoleBusiness:
		if o.BusinessID == a.ID {
			caps |= CapBusiness
		}
	case types.RoleDeliveryPerson:
		caps |= CapCourier
		if o.AssignedTo(a.ID) {
			caps |= CapAssignedCourier
		}
	case types.RoleAdmin:
		caps |= CapAdmin
	}
	return caps
}

// CanView reports whether a may read o. Couriers see unassigned ready orders and their own.
func CanView(a types.Actor, o *Order) bool {
	caps := CapabilitiesOf(a, o)
	if caps&(CapCustomer|CapBusiness|CapAssignedCourier|CapAdmin) != 0 {
		return true
	}
	return caps&CapCourier != 0 && o.Status == StatusReady && o.DeliveryPersonID == nil
}
