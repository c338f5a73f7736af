// README: Router-level tests for order, courier and admin handlers over in-memory stores.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apihttp "courier/internal/http"
	"courier/internal/infra"
	"courier/internal/modules/courier"
	"courier/internal/modules/location"
	"courier/internal/modules/notify"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/realtime"
	"courier/internal/pkg/idgen"
	"courier/internal/worker"
)

// tokenVerifier maps bearer tokens to identities; "<uid>:<role>" is the token format.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ':' {
			return &infra.FirebaseToken{UID: raw[:i], Claims: map[string]interface{}{"role": raw[i+1:]}}, nil
		}
	}
	return nil, errors.New("malformed token")
}

const (
	customerTok = "Bearer cust-1:customer"
	otherTok    = "Bearer cust-2:customer"
	businessTok = "Bearer biz-1:business"
	courierTok  = "Bearer dp-1:delivery_person"
	adminTok    = "Bearer admin-1:admin"
)

func buildTestRouter(t *testing.T, dev bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	couriers := courier.NewMemoryStore()
	orders := order.NewMemoryStore(couriers)
	users := courier.NewService(couriers, orders, log)
	hub := notify.NewHub(log)
	effects := worker.Inline{Log: log}

	orderSvc := order.NewService(order.Deps{
		Store:    orders,
		Couriers: couriers,
		Fanout:   hub,
		Effects:  effects,
		Ratings:  order.NewAggregator(orders, users, hub, log),
		Pricing:  pricing.NewService(pricing.RateCard{Currency: "USD", BaseFee: 300, PerKmFee: 100, MinimumKm: 2}),
		Numbers:  idgen.NewOrderNumbers(1),
		Log:      log,
	})
	locSvc := location.NewService(location.Deps{
		Profiles: users,
		Orders:   orderSvc,
		Fanout:   hub,
		Effects:  effects,
		Log:      log,
	})
	rt := realtime.NewService(hub, orderSvc, locSvc, realtime.Options{}, log)

	r := apihttp.NewRouter(apihttp.RouterDeps{
		ServiceName: "courier-test",
		Development: dev,
		Verifier:    tokenVerifier{},
		Couriers:    users,
		Orders:      orderSvc,
		Location:    locSvc,
		Realtime:    rt,
		Log:         log,
	})
	gin.SetMode(gin.TestMode)
	return r
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func placeBody() map[string]any {
	return map[string]any{
		"business_id": "biz-1",
		"items": []map[string]any{
			{"name": "noodles", "quantity": 2, "price": map[string]any{"amount": 450, "currency": "USD"}},
		},
		"delivery_address": map[string]any{
			"street":   "1 Main St",
			"city":     "Taipei",
			"location": map[string]any{"lat": 25.05, "lng": 121.55},
		},
	}
}

func placeOrder(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doRequest(r, http.MethodPost, "/api/orders", placeBody(), customerTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, body["order_number"])
	return body["id"].(string)
}

func setStatus(t *testing.T, r *gin.Engine, id, status, tok string) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(r, http.MethodPut, "/api/orders/"+id+"/status", map[string]any{"status": status}, tok)
}

func TestHealth(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreate_Unauthenticated(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodPost, "/api/orders", placeBody(), "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreate_ValidationDetailOnlyInDevelopment(t *testing.T) {
	body := placeBody()
	delete(body, "items")

	w := doRequest(buildTestRouter(t, true), http.MethodPost, "/api/orders", body, customerTok)
	require.Equal(t, http.StatusBadRequest, w.Code)
	dev := decode(t, w)
	assert.Equal(t, "bad_request", dev["kind"])
	assert.Contains(t, dev["detail"], "Items")

	w = doRequest(buildTestRouter(t, false), http.MethodPost, "/api/orders", body, customerTok)
	require.Equal(t, http.StatusBadRequest, w.Code)
	prod := decode(t, w)
	_, hasDetail := prod["detail"]
	assert.False(t, hasDetail)
}

func TestCreate_WrongRole(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodPost, "/api/orders", placeBody(), courierTok)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", decode(t, w)["kind"])
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	r := buildTestRouter(t, false)
	id := placeOrder(t, r)

	for _, st := range []string{"confirmed", "preparing", "ready"} {
		w := setStatus(t, r, id, st, businessTok)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := doRequest(r, http.MethodPost, "/api/couriers/profile", map[string]any{"vehicle_type": "bike"}, courierTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(r, http.MethodGet, "/api/couriers/orders/available", nil, courierTok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = doRequest(r, http.MethodPost, "/api/orders/"+id+"/accept", nil, courierTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "assigned", decode(t, w)["status"])

	w = doRequest(r, http.MethodGet, "/api/couriers/me", nil, courierTok)
	require.Equal(t, http.StatusOK, w.Code)
	profile := decode(t, w)["delivery_profile"].(map[string]any)
	assert.Equal(t, false, profile["is_available"])

	for _, st := range []string{"picked_up", "on_the_way", "delivered"} {
		w := setStatus(t, r, id, st, courierTok)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = doRequest(r, http.MethodPost, "/api/orders/"+id+"/rate", map[string]any{"food": 4, "delivery": 5}, customerTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rating := decode(t, w)["rating"].(map[string]any)
	assert.EqualValues(t, 4.5, rating["overall"])

	w = doRequest(r, http.MethodPost, "/api/orders/"+id+"/rate", map[string]any{"food": 1, "delivery": 1}, customerTok)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_rated", decode(t, w)["kind"])

	w = doRequest(r, http.MethodGet, "/api/couriers/me", nil, courierTok)
	profile = decode(t, w)["delivery_profile"].(map[string]any)
	assert.Equal(t, true, profile["is_available"])
	assert.EqualValues(t, 1, profile["total_deliveries"])
	assert.EqualValues(t, 5, profile["rating"])

	w = doRequest(r, http.MethodGet, "/api/orders/"+id, nil, customerTok)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "delivered", got["status"])
	assert.Len(t, got["tracking"], 8)
	assert.NotNil(t, got["actual_delivery_time"])
}

func TestAdvanceSomeoneElsesOrder(t *testing.T) {
	r := buildTestRouter(t, false)
	id := placeOrder(t, r)

	w := setStatus(t, r, id, "cancelled", otherTok)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", decode(t, w)["kind"])

	w = doRequest(r, http.MethodGet, "/api/orders/"+id, nil, otherTok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdvanceUnknownStatus(t *testing.T) {
	r := buildTestRouter(t, false)
	id := placeOrder(t, r)
	w := setStatus(t, r, id, "teleported", businessTok)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_status", decode(t, w)["kind"])
}

func TestCustomerCancelOverHTTP(t *testing.T) {
	r := buildTestRouter(t, false)
	id := placeOrder(t, r)

	w := doRequest(r, http.MethodPost, "/api/orders/"+id+"/cancel", map[string]any{"reason": "changed my mind"}, customerTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "cancelled", body["status"])
	cancellation := body["cancellation"].(map[string]any)
	assert.Equal(t, "changed my mind", cancellation["reason"])

	w = doRequest(r, http.MethodPost, "/api/orders/"+id+"/cancel", nil, customerTok)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUnknownOrder(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodGet, "/api/orders/nope", nil, customerTok)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodGet, "/api/admin/users", nil, customerTok)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodGet, "/api/admin/users?role=customer", nil, adminTok)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminPromotesUser(t *testing.T) {
	r := buildTestRouter(t, false)
	placeOrder(t, r) // registers cust-1

	w := doRequest(r, http.MethodPut, "/api/admin/users/cust-1/role", map[string]any{"role": "business"}, adminTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "business", decode(t, w)["role"])

	// The stored role now wins over the customer claim in the token.
	w = doRequest(r, http.MethodPost, "/api/orders", placeBody(), customerTok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCourierLocationAndNearby(t *testing.T) {
	r := buildTestRouter(t, false)
	w := doRequest(r, http.MethodPost, "/api/couriers/profile", nil, courierTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(r, http.MethodPut, "/api/couriers/location", map[string]any{"lat": 25.04, "lng": 121.56}, courierTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(r, http.MethodPut, "/api/couriers/location", map[string]any{"lat": 125.0, "lng": 0}, courierTok)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodGet, "/api/admin/couriers/nearby?lat=25.05&lng=121.55&radius_km=5", nil, adminTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode(t, w)["couriers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "dp-1", list[0].(map[string]any)["id"])
}
