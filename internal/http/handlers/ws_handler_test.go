// README: Websocket session tests against a live test server.
package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestWSRequiresToken(t *testing.T) {
	srv := httptest.NewServer(buildTestRouter(t, false))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSPingAndStatusEvents(t *testing.T) {
	r := buildTestRouter(t, false)
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := placeOrder(t, r)
	conn := dialWS(t, srv, "cust-1:customer")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "ref": "p1"}))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "p1", pong["ref"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "ref": "j1", "channel": "order", "id": id}))
	ack := readFrame(t, conn)
	assert.Equal(t, "ack", ack["type"])

	w := setStatus(t, r, id, "confirmed", businessTok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The customer hears the change on both their own channel and the order room.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := readFrame(t, conn)
		assert.Equal(t, "event", ev["type"])
		assert.Equal(t, "order:status", ev["event"])
		seen[ev["channel"].(string)] = true
		payload := ev["payload"].(map[string]any)
		assert.Equal(t, "confirmed", payload["status"])
	}
	assert.True(t, seen["user:cust-1"])
	assert.True(t, seen["order:"+id])
}

func TestWSJoinForeignOrderDenied(t *testing.T) {
	r := buildTestRouter(t, false)
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := placeOrder(t, r)
	conn := dialWS(t, srv, "cust-2:customer")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "ref": "j1", "channel": "order", "id": id}))
	reply := readFrame(t, conn)
	assert.Equal(t, "error", reply["type"])
	body := reply["error"].(map[string]any)
	assert.Equal(t, "access_denied", body["kind"])
}
