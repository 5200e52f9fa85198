package httpapi

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestChatWebsocketTurn(t *testing.T) {
	ts, store := newTestServer(t, &fakeProvider{reply: "pong"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/ws"
	header := http.Header{"X-Session-Key": []string{"ws-client"}}
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	defer res.Body.Close()

	if err := conn.WriteJSON(map[string]string{"message": "ping"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var payload map[string]any
	if err := conn.ReadJSON(&payload); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if payload["response"] != "pong" {
		t.Fatalf("response = %v, want pong", payload["response"])
	}
	info, _ := payload["sessionInfo"].(map[string]any)
	if info["messageCount"] != float64(1) {
		t.Fatalf("messageCount = %v, want 1", info["messageCount"])
	}

	// Both transports share one history for the key.
	sess, err := store.Get("ws-client")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(sess.Messages))
	}

	if err := conn.WriteJSON(map[string]string{"message": ""}); err != nil {
		t.Fatalf("write empty error = %v", err)
	}
	var errFrame map[string]any
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame["code"] != "invalid_request" {
		t.Fatalf("error code = %v, want invalid_request", errFrame["code"])
	}
}
