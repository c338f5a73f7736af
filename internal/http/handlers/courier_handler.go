// README: Delivery-person handlers; profile, availability, location and the open order board.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/courier"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type CourierHandler struct {
	couriers *courier.Service
	location *location.Service
	order    *order.Service
}

func NewCourierHandler(couriers *courier.Service, loc *location.Service, orders *order.Service) *CourierHandler {
	return &CourierHandler{couriers: couriers, location: loc, order: orders}
}

type provisionReq struct {
	Name        string `json:"name" binding:"max=120"`
	VehicleType string `json:"vehicle_type" binding:"omitempty,oneof=bike scooter motorcycle car van walk"`
}

func (h *CourierHandler) Provision(c *gin.Context) {
	var req provisionReq
	if !bindOptional(c, &req) {
		return
	}
	u, err := h.couriers.Provision(c.Request.Context(), courier.ProvisionCommand{
		Actor:       middleware.CallerActor(c),
		Name:        req.Name,
		VehicleType: req.VehicleType,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newUserView(u))
}

type availabilityReq struct {
	Available *bool `json:"is_available" binding:"required"`
}

func (h *CourierHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.couriers.SetAvailability(c.Request.Context(), middleware.CallerActor(c), *req.Available)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newUserView(u))
}

func (h *CourierHandler) Me(c *gin.Context) {
	u, err := h.couriers.Get(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newUserView(u))
}

type locationReq struct {
	Lat *float64 `json:"lat" binding:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" binding:"required,gte=-180,lte=180"`
}

func (h *CourierHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.location.UpdateCourierLocation(c.Request.Context(), middleware.CallerActor(c),
		types.Point{Lat: *req.Lat, Lng: *req.Lng})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newUserView(u))
}

func (h *CourierHandler) AvailableOrders(c *gin.Context) {
	page := pageFrom(c)
	list, total, err := h.order.Available(c.Request.Context(), middleware.CallerActor(c), page)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pageResponse[orderView]{Items: orderViews(list), Total: total, Page: page.Number, Limit: page.Limit})
}
