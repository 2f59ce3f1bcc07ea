package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/gophvault/internal/textop"
	"github.com/iudanet/gophvault/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// scriptedServer WebSocket сервер, поведение которого задает тест
func scriptedServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		assert.Equal(t, "desktop", r.Header.Get("X-Platform"))
		assert.Equal(t, "/api/v1/collab/share-token-0123456789", r.URL.Path)

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return Dial(ctx, setupTestLogger(), Options{
		ServerURL:   srv.URL,
		ShareToken:  "share-token-0123456789",
		AccessToken: "test-access-token",
		Platform:    "desktop",
	})
}

func send(t *testing.T, conn *websocket.Conn, name string, payload any) {
	t.Helper()
	ev, err := api.NewEvent(name, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
}

func receive(t *testing.T, conn *websocket.Conn) api.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev api.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// waitEvent ждет, пока клиент обработает событие name
func waitEvent(t *testing.T, c *Client, name string) api.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func broadcast(version int64, change string) api.ChangeBroadcast {
	return api.ChangeBroadcast{ConnectionID: "other", Change: json.RawMessage(change), Version: version}
}

func TestCollabURL(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		expected  string
		wantErr   bool
	}{
		{name: "http", serverURL: "http://localhost:8080", expected: "ws://localhost:8080/api/v1/collab/tok"},
		{name: "https with prefix", serverURL: "https://vault.example/base/", expected: "wss://vault.example/base/api/v1/collab/tok"},
		{name: "ws passthrough", serverURL: "ws://localhost:8080", expected: "ws://localhost:8080/api/v1/collab/tok"},
		{name: "unsupported scheme", serverURL: "ftp://vault.example", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollabURL(tt.serverURL, "tok")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClient_InitialDocument(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "hello", Role: "servant", ConnectionID: "c1", Version: 4})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	doc := c.Document()
	assert.Equal(t, "hello", doc.Text)
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, "servant", doc.Role)
	assert.Equal(t, "c1", doc.ConnectionID)
}

func TestClient_VersionFiltering(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "hello", Role: "servant", ConnectionID: "c1", Version: 2})
		// Уже учтено в снимке
		send(t, conn, api.EventChangeBroadcast, broadcast(2, `[4,-1]`))
		// Версии пришли не по порядку
		send(t, conn, api.EventChangeBroadcast, broadcast(4, `[6,"?"]`))
		send(t, conn, api.EventChangeBroadcast, broadcast(3, `[5,"!"]`))
		send(t, conn, api.EventParticipantLeft, api.ParticipantLeft{ConnectionID: "other"})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	waitEvent(t, c, api.EventParticipantLeft)

	doc := c.Document()
	assert.Equal(t, "hello!?", doc.Text)
	assert.Equal(t, int64(4), doc.Version)
}

func TestClient_SubmitAppliedOnAck(t *testing.T) {
	submitted := make(chan api.SubmitChange, 1)

	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "abc", Role: "master", ConnectionID: "c1", Version: 0})

		ev := receive(t, conn)
		require.Equal(t, api.EventSubmitChange, ev.Name)
		var change api.SubmitChange
		require.NoError(t, ev.Decode(&change))
		submitted <- change

		// Чужое изменение применено раньше нашего
		send(t, conn, api.EventChangeAck, api.ChangeAck{Version: 2})
		send(t, conn, api.EventChangeBroadcast, broadcast(1, `[-1,"x",2]`))
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Submit(textop.Operation{}.Retain(3).Insert("d")))

	select {
	case change := <-submitted:
		assert.JSONEq(t, `[3,"d"]`, string(change.Change))
	case <-time.After(5 * time.Second):
		t.Fatal("change was not submitted")
	}

	// До прихода версии 1 наше изменение ждет
	waitEvent(t, c, api.EventChangeAck)
	assert.Equal(t, "abc", c.Document().Text)

	waitEvent(t, c, api.EventChangeBroadcast)
	doc := c.Document()
	assert.Equal(t, "xbcd", doc.Text)
	assert.Equal(t, int64(2), doc.Version)
}

func TestClient_ResyncRequestsDocument(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "abc", Role: "master", ConnectionID: "c1", Version: 1})

		require.Equal(t, api.EventSubmitChange, receive(t, conn).Name)
		send(t, conn, api.EventResyncRequired, struct{}{})

		require.Equal(t, api.EventRequestDocument, receive(t, conn).Name)
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "server text", Role: "master", ConnectionID: "c1", Version: 7})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Submit(textop.Operation{}.Retain(3).Insert("d")))

	waitEvent(t, c, api.EventResyncRequired)
	waitEvent(t, c, api.EventFullDocument)

	doc := c.Document()
	assert.Equal(t, "server text", doc.Text)
	assert.Equal(t, int64(7), doc.Version)
}

// Пропущенная версия, которая так и не пришла, приводит к запросу документа
func TestClient_VersionGapRequestsDocument(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "a", Role: "servant", ConnectionID: "c1", Version: 1})

		// версия 2 потеряна, остальные приходят
		for v := int64(3); v <= 3+maxPendingGap; v++ {
			send(t, conn, api.EventChangeBroadcast, broadcast(v, `[1, "x"]`))
		}

		require.Equal(t, api.EventRequestDocument, receive(t, conn).Name)
		send(t, conn, api.EventFullDocument, api.FullDocument{
			Text: "resynced", Role: "servant", ConnectionID: "c1", Version: 3 + maxPendingGap,
		})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	waitEvent(t, c, api.EventFullDocument)

	doc := c.Document()
	assert.Equal(t, "resynced", doc.Text)
	assert.Equal(t, int64(3+maxPendingGap), doc.Version)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	assert.False(t, c.resyncing)
	c.mu.Unlock()
}

func TestClient_MasterChanged(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "", Role: "servant", ConnectionID: "c2", Version: 0})
		send(t, conn, api.EventMasterChanged, api.MasterChanged{ConnectionID: "c2"})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	waitEvent(t, c, api.EventMasterChanged)
	assert.Equal(t, "master", c.Document().Role)
}

func TestClient_Rejected(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventError, api.ErrorPayload{Code: api.CodeUnauthorized})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(api.CloseForbidden, api.CodeUnauthorized))
	})

	_, err := dialTest(t, srv)
	require.Error(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, api.CodeUnauthorized, rejected.Code)
	assert.Equal(t, api.CloseForbidden, rejected.CloseCode)
}

func TestClient_SubmitInvalidOperation(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "abc", Role: "master", ConnectionID: "c1"})
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	err = c.Submit(textop.Operation{{Retain: 1, Delete: 1}})
	assert.ErrorIs(t, err, textop.ErrMalformed)
}

func TestClient_DoneOnServerClose(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		send(t, conn, api.EventFullDocument, api.FullDocument{Text: "abc", Role: "master", ConnectionID: "c1"})
		send(t, conn, api.EventShareDisabled, struct{}{})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(api.CloseForbidden, api.CodeShareDisabled))
	})

	c, err := dialTest(t, srv)
	require.NoError(t, err)
	defer c.Close()

	waitEvent(t, c, api.EventShareDisabled)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice close")
	}
	assert.True(t, websocket.IsCloseError(c.Err(), api.CloseForbidden))
	assert.ErrorIs(t, c.RequestDocument(), ErrClosed)
}
