// README: Admin handlers; user management and courier lookups.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/courier"
	"courier/internal/modules/location"
	"courier/internal/types"
)

type AdminHandler struct {
	couriers *courier.Service
	location *location.Service
}

func NewAdminHandler(couriers *courier.Service, loc *location.Service) *AdminHandler {
	return &AdminHandler{couriers: couriers, location: loc}
}

func (h *AdminHandler) ListUsers(c *gin.Context) {
	var f courier.Filter
	if raw := c.Query("role"); raw != "" {
		role := types.Role(raw)
		if !role.Valid() {
			writeError(c, errBadRequest.WithDetail("unknown role %q", raw))
			return
		}
		f.Role = role
	}
	f.AvailableOnly = c.Query("available") == "true"
	page := pageFrom(c)
	list, total, err := h.couriers.List(c.Request.Context(), f, page)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]userView, 0, len(list))
	for _, u := range list {
		views = append(views, newUserView(u))
	}
	writeJSON(c, http.StatusOK, pageResponse[userView]{Items: views, Total: total, Page: page.Number, Limit: page.Limit})
}

type setRoleReq struct {
	Role   string `json:"role" binding:"required,oneof=customer delivery_person business admin"`
	Active *bool  `json:"is_active"`
}

func (h *AdminHandler) SetRole(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req setRoleReq
	if !bindJSON(c, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	u, err := h.couriers.SetRole(c.Request.Context(), middleware.CallerActor(c), id, types.Role(req.Role), active)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newUserView(u))
}

func (h *AdminHandler) Nearby(c *gin.Context) {
	lat, okLat := queryFloat(c, "lat")
	lng, okLng := queryFloat(c, "lng")
	if !okLat || !okLng || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(c, errBadRequest.WithDetail("lat and lng are required"))
		return
	}
	radius, _ := queryFloat(c, "radius_km")
	list, err := h.location.Nearby(c.Request.Context(), location.NearbyQuery{
		Actor:         middleware.CallerActor(c),
		Origin:        types.Point{Lat: lat, Lng: lng},
		RadiusKm:      radius,
		Limit:         pageFrom(c).Limit,
		AvailableOnly: c.Query("all") != "true",
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"couriers": list})
}

type snapshotView struct {
	CourierID  types.ID    `json:"courier_id"`
	Position   types.Point `json:"position"`
	RecordedAt time.Time   `json:"recorded_at"`
}

func (h *AdminHandler) LastKnown(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	snap, err := h.location.LastKnown(c.Request.Context(), middleware.CallerActor(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snapshotView{CourierID: snap.UserID, Position: snap.Position, RecordedAt: snap.RecordedAt})
}
