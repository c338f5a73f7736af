// README: Order handlers; placement, import, reads and every lifecycle transition.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type moneyReq struct {
	Amount   int64  `json:"amount" binding:"gte=0"`
	Currency string `json:"currency" binding:"omitempty,len=3"`
}

type itemReq struct {
	SKU      string   `json:"sku"`
	Name     string   `json:"name" binding:"required"`
	Quantity int      `json:"quantity" binding:"required,gte=1"`
	Price    moneyReq `json:"price"`
}

type pointReq struct {
	Lat float64 `json:"lat" binding:"gte=-90,lte=90"`
	Lng float64 `json:"lng" binding:"gte=-180,lte=180"`
}

func (p *pointReq) point() *types.Point {
	if p == nil {
		return nil
	}
	return &types.Point{Lat: p.Lat, Lng: p.Lng}
}

type addressReq struct {
	Street     string    `json:"street" binding:"required"`
	City       string    `json:"city" binding:"required"`
	PostalCode string    `json:"postal_code"`
	Note       string    `json:"note"`
	Location   *pointReq `json:"location"`
}

type placeOrderReq struct {
	BusinessID       string     `json:"business_id" binding:"required"`
	BusinessLocation *pointReq  `json:"business_location"`
	Items            []itemReq  `json:"items" binding:"required,min=1,dive"`
	Address          addressReq `json:"delivery_address"`
	PaymentMethod    string     `json:"payment_method" binding:"omitempty,oneof=cash card wallet"`
	ScheduledFor     *time.Time `json:"scheduled_for"`
	Note             string     `json:"note" binding:"max=500"`
}

func (h *OrderHandler) Place(c *gin.Context) {
	var req placeOrderReq
	if !bindJSON(c, &req) {
		return
	}
	items := make([]order.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, order.Item{
			SKU:      it.SKU,
			Name:     it.Name,
			Quantity: it.Quantity,
			Price:    types.Money{Amount: it.Price.Amount, Currency: it.Price.Currency},
		})
	}
	o, err := h.order.Place(c.Request.Context(), order.PlaceCommand{
		Actor:            middleware.CallerActor(c),
		BusinessID:       types.ID(req.BusinessID),
		BusinessLocation: req.BusinessLocation.point(),
		Items:            items,
		Address: order.Address{
			Street:     req.Address.Street,
			City:       req.Address.City,
			PostalCode: req.Address.PostalCode,
			Note:       req.Address.Note,
			Location:   req.Address.Location.point(),
		},
		PaymentMethod: req.PaymentMethod,
		ScheduledFor:  req.ScheduledFor,
		Note:          req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOrderView(o))
}

type importOrderReq struct {
	ExternalOrderID string `json:"external_order_id" binding:"required,max=128"`
}

func (h *OrderHandler) Import(c *gin.Context) {
	var req importOrderReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.order.Import(c.Request.Context(), order.ImportCommand{
		Actor:      middleware.CallerActor(c),
		ExternalID: req.ExternalOrderID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOrderView(o))
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), middleware.CallerActor(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

func (h *OrderHandler) List(c *gin.Context) {
	var f order.Filter
	if raw := c.Query("status"); raw != "" {
		st, ok := order.ParseStatus(raw)
		if !ok {
			writeError(c, order.ErrInvalidStatus.WithDetail("unknown status %q", raw))
			return
		}
		f.Status = st
	}
	page := pageFrom(c)
	list, total, err := h.order.List(c.Request.Context(), middleware.CallerActor(c), f, page)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pageResponse[orderView]{Items: orderViews(list), Total: total, Page: page.Number, Limit: page.Limit})
}

type noteReq struct {
	Note string `json:"note" binding:"max=500"`
}

// bindOptional accepts an empty body as the zero request.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

func (h *OrderHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req noteReq
	if !bindOptional(c, &req) {
		return
	}
	o, err := h.order.Accept(c.Request.Context(), order.AcceptCommand{
		OrderID: id,
		Actor:   middleware.CallerActor(c),
		Note:    req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

func (h *OrderHandler) Decline(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req noteReq
	if !bindOptional(c, &req) {
		return
	}
	o, err := h.order.Decline(c.Request.Context(), order.DeclineCommand{
		OrderID: id,
		Actor:   middleware.CallerActor(c),
		Note:    req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type advanceReq struct {
	Status       string    `json:"status" binding:"required"`
	Location     *pointReq `json:"location"`
	Note         string    `json:"note" binding:"max=500"`
	RefundAmount *moneyReq `json:"refund_amount"`
}

func (h *OrderHandler) Advance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req advanceReq
	if !bindJSON(c, &req) {
		return
	}
	target, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, order.ErrInvalidStatus.WithDetail("unknown status %q", req.Status))
		return
	}
	cmd := order.AdvanceCommand{
		OrderID:  id,
		Actor:    middleware.CallerActor(c),
		Target:   target,
		Location: req.Location.point(),
		Note:     req.Note,
	}
	if req.RefundAmount != nil {
		cmd.RefundAmount = &types.Money{Amount: req.RefundAmount.Amount, Currency: req.RefundAmount.Currency}
	}
	o, err := h.order.Advance(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if !bindOptional(c, &req) {
		return
	}
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: id,
		Actor:   middleware.CallerActor(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type rateReq struct {
	Food     int    `json:"food" binding:"required,gte=1,lte=5"`
	Delivery int    `json:"delivery" binding:"required,gte=1,lte=5"`
	Comment  string `json:"comment" binding:"max=1000"`
}

func (h *OrderHandler) Rate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req rateReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.order.Rate(c.Request.Context(), order.RateCommand{
		OrderID:  id,
		Actor:    middleware.CallerActor(c),
		Food:     req.Food,
		Delivery: req.Delivery,
		Comment:  req.Comment,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type payReq struct {
	Method string `json:"method" binding:"required,oneof=card wallet"`
}

func (h *OrderHandler) Pay(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req payReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := h.order.Pay(c.Request.Context(), order.PayCommand{
		OrderID: id,
		Actor:   middleware.CallerActor(c),
		Method:  req.Method,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}
