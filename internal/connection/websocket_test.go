package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func openWS(t *testing.T, server *httptest.Server, token string) Channel {
	t.Helper()
	tr := NewWebSocketTransport(DefaultWebSocketConfig(), discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := tr.Open(ctx, Target{ID: "test", URL: wsURL(server), Token: token})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestWebSocket_OpenSendsAuthHeader(t *testing.T) {
	gotAuth := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	openWS(t, server, "secret")

	select {
	case auth := <-gotAuth:
		if auth != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", auth)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the handshake")
	}
}

func TestWebSocket_Send(t *testing.T) {
	received := make(chan []byte, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	})
	defer server.Close()

	ch := openWS(t, server, "")

	if err := ch.Send(context.Background(), []byte(`{"cmd":"subscribe"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != `{"cmd":"subscribe"}` {
			t.Errorf("unexpected payload: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestWebSocket_Receive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker","data":{}}`))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	ch := openWS(t, server, "")

	data, err := ch.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(data) != `{"type":"ticker","data":{}}` {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestWebSocket_ReceiveFailsOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})
	defer server.Close()

	ch := openWS(t, server, "")

	if _, err := ch.Receive(context.Background()); err == nil {
		t.Fatal("expected error after server close")
	}
}

func TestWebSocket_CloseUnblocksReceive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ch := openWS(t, server, "")

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	ch.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected Receive to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock")
	}
}

func TestWebSocket_AnswersServerPing(t *testing.T) {
	gotPong := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.SetPongHandler(func(data string) error {
			gotPong <- data
			return nil
		})
		conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ch := openWS(t, server, "")
	// Control frames are processed while reading.
	go ch.Receive(context.Background())

	select {
	case data := <-gotPong:
		if data != "hb" {
			t.Errorf("unexpected pong payload %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestWebSocket_HandshakeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	tr := NewWebSocketTransport(DefaultWebSocketConfig(), discardLogger())
	_, err := tr.Open(context.Background(), Target{URL: wsURL(server)})
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestWebSocket_OpenHonorsContext(t *testing.T) {
	tr := NewWebSocketTransport(DefaultWebSocketConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Open(ctx, Target{URL: "ws://127.0.0.1:1/never"})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSchemeTransport_RoutesByScheme(t *testing.T) {
	var got []string
	record := func(name string) Transport {
		return TransportFunc(func(context.Context, Target) (Channel, error) {
			got = append(got, name)
			return newFakeChannel(), nil
		})
	}
	st := SchemeTransport{"ws": record("ws"), "nats": record("nats")}

	if _, err := st.Open(context.Background(), Target{URL: "WS://host/path"}); err != nil {
		t.Fatalf("ws open: %v", err)
	}
	if _, err := st.Open(context.Background(), Target{URL: "nats://host:4222"}); err != nil {
		t.Fatalf("nats open: %v", err)
	}
	if strings.Join(got, ",") != "ws,nats" {
		t.Errorf("unexpected routing: %v", got)
	}

	_, err := st.Open(context.Background(), Target{URL: "ftp://host"})
	if !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestDefaultTransports(t *testing.T) {
	st := DefaultTransports(NewWebSocketTransport(DefaultWebSocketConfig(), nil), nil)
	for _, scheme := range []string{"ws", "wss"} {
		if _, ok := st[scheme]; !ok {
			t.Errorf("missing %s", scheme)
		}
	}
	if _, ok := st["nats"]; ok {
		t.Error("nats registered without a transport")
	}
}
