// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"courier/internal/http/handlers"
	"courier/internal/http/middleware"
	"courier/internal/infra"
	"courier/internal/modules/courier"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/realtime"
	"courier/internal/types"
)

type RouterDeps struct {
	ServiceName string
	Development bool
	Gzip        bool
	Verifier    infra.TokenVerifier
	Couriers    *courier.Service
	Orders      *order.Service
	Location    *location.Service
	Realtime    *realtime.Service
	WS          handlers.WSOptions
	Log         *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log))
	r.Use(otelgin.Middleware(d.ServiceName))
	r.Use(middleware.Logging(d.Log))
	if d.Development {
		r.Use(handlers.ExposeDetail())
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	authed := []gin.HandlerFunc{middleware.Auth(d.Verifier), middleware.ResolveUser(d.Couriers)}

	// The socket is registered outside the gzip group; compression would buffer frames.
	ws := handlers.NewWSHandler(d.Realtime, d.WS, d.Log)
	r.GET("/ws", append(authed, ws.Serve)...)

	api := r.Group("/api", authed...)
	if d.Gzip {
		api.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	orderHandler := handlers.NewOrderHandler(d.Orders)
	api.POST("/orders", orderHandler.Place)
	api.POST("/orders/import", orderHandler.Import)
	api.GET("/orders", orderHandler.List)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/accept", orderHandler.Accept)
	api.POST("/orders/:id/decline", orderHandler.Decline)
	api.PUT("/orders/:id/status", orderHandler.Advance)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/rate", orderHandler.Rate)
	api.POST("/orders/:id/pay", orderHandler.Pay)

	courierHandler := handlers.NewCourierHandler(d.Couriers, d.Location, d.Orders)
	couriers := api.Group("/couriers")
	couriers.POST("/profile", courierHandler.Provision)
	couriers.GET("/me", courierHandler.Me)
	couriers.PUT("/availability", courierHandler.SetAvailability)
	couriers.PUT("/location", courierHandler.UpdateLocation)
	couriers.GET("/orders/available", courierHandler.AvailableOrders)

	adminHandler := handlers.NewAdminHandler(d.Couriers, d.Location)
	admin := api.Group("/admin", middleware.RequireRole(types.RoleAdmin))
	admin.GET("/users", adminHandler.ListUsers)
	admin.PUT("/users/:id/role", adminHandler.SetRole)
	admin.GET("/couriers/nearby", adminHandler.Nearby)
	admin.GET("/couriers/:id/location", adminHandler.LastKnown)

	return r
}
