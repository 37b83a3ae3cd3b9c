package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/models"
)

func dialWS(t *testing.T, h *testHarness) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebsocket_SubscribeAndReceive(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h)

	established := readMessage(t, conn)
	assert.Equal(t, "connection.established", established["type"])
	assert.NotEmpty(t, established["connection_id"])

	writeMessage(t, conn, map[string]any{"action": "subscribe", "client_id": "client-a"})
	confirmed := readMessage(t, conn)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])
	assert.Equal(t, "client-a", confirmed["client_id"])

	require.NoError(t, h.bus.Publish(models.Event{
		Type:     models.EventResponseGenerated,
		Priority: models.PriorityHigh,
		Source:   "test",
		Payload:  map[string]any{"client_id": "client-a", "text": "hello"},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "response.generated", event["type"])
	assert.Equal(t, "hello", event["payload"].(map[string]any)["text"])
}

func TestWebsocket_FiltersOtherClients(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h)
	readMessage(t, conn) // connection.established

	writeMessage(t, conn, map[string]any{"action": "subscribe", "client_id": "client-a"})
	readMessage(t, conn) // subscription.confirmed

	require.NoError(t, h.bus.Publish(models.Event{
		Type:    models.EventResponseGenerated,
		Source:  "test",
		Payload: map[string]any{"client_id": "client-b", "text": "not yours"},
	}))
	require.NoError(t, h.bus.Publish(models.Event{
		Type:    models.EventResponseGenerated,
		Source:  "test",
		Payload: map[string]any{"client_id": "client-a", "text": "yours"},
	}))

	msg := readMessage(t, conn)
	event := msg["event"].(map[string]any)
	assert.Equal(t, "yours", event["payload"].(map[string]any)["text"])
}

func TestWebsocket_Catchup(t *testing.T) {
	h := newHarness(t)

	// Publish before the client connects; the journal backfills it.
	require.NoError(t, h.bus.Publish(models.Event{
		Type:    models.EventTaskCompleted,
		Source:  "test",
		Payload: map[string]any{"client_id": "client-a", "task_id": "t1"},
	}))

	conn := dialWS(t, h)
	readMessage(t, conn) // connection.established

	var zero uint64
	writeMessage(t, conn, map[string]any{
		"action": "subscribe", "client_id": "client-a", "last_seq": zero,
	})
	readMessage(t, conn) // subscription.confirmed

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg["type"])
	assert.NotNil(t, msg["seq"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "task.completed", event["type"])
}

func TestWebsocket_Ping(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h)
	readMessage(t, conn)

	writeMessage(t, conn, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", readMessage(t, conn)["type"])
}

func TestEventTargets(t *testing.T) {
	broadcastEvent := models.Event{Type: models.EventTaskStateChanged}
	targeted := models.Event{Payload: map[string]any{"client_id": "client-a"}}

	assert.True(t, eventTargets(broadcastEvent, "client-a"))
	assert.True(t, eventTargets(targeted, "client-a"))
	assert.False(t, eventTargets(targeted, "client-b"))
	assert.False(t, eventTargets(targeted, ""))
}
