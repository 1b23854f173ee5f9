package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/courier-chat/courier/internal/hub"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/server"
	"github.com/courier-chat/courier/internal/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type frame map[string]any

type relay struct {
	url      string
	hub      *hub.Hub
	router   *hub.Router
	messages *store.BoltLog
}

func (r *relay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.url, "http") + "/ws"
}

func startRelay(t *testing.T, auth identity.Authenticator, withHistory bool) *relay {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	db, err := store.OpenDB(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	messages, err := store.NewBoltLog(db)
	require.NoError(t, err)

	registry := hub.NewRegistry(log)
	router := hub.NewRouter(registry, messages, time.Second, log)
	h := hub.NewHub(registry, router, hub.DefaultOptions(), log)

	var history server.HistoryReader
	if withHistory {
		history = messages
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(server.New(ctx, h, auth, history, server.Options{HistoryLimit: 50}, log).Routes())

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = h.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
		_ = messages.Close()
	})
	return &relay{url: srv.URL, hub: h, router: router, messages: messages}
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func getJSON(t *testing.T, url string, header http.Header, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

type healthBody struct {
	Goroutines  int `json:"goroutines"`
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	r := startRelay(t, identity.Open{}, true)

	var h healthBody
	req.Equal(http.StatusOK, getJSON(t, r.url+"/health", nil, &h))
	req.Positive(h.Goroutines)
	req.Zero(h.Connections)

	conn := dial(t, r.wsURL(), nil)
	send(t, conn, frame{"command": "register", "userId": "1"})
	read(t, conn)

	req.Equal(http.StatusOK, getJSON(t, r.url+"/health", nil, &h))
	req.Equal(1, h.Connections)
	req.Equal(1, h.Users)
}

func TestChat_Is_Relayed_And_Stored(t *testing.T) {
	req := require.New(t)
	r := startRelay(t, identity.Open{}, true)

	a := dial(t, r.wsURL(), nil)
	b := dial(t, r.wsURL(), nil)
	send(t, a, frame{"command": "register", "userId": "1"})
	req.Equal("registered", read(t, a)["command"])
	send(t, b, frame{"command": "register", "userId": "2"})
	req.Equal("registered", read(t, b)["command"])

	send(t, a, frame{"command": "message", "from": "1", "to": "2", "message": "hi"})
	req.Equal(frame{"command": "message", "from": "1", "to": "2", "message": "hi"}, read(t, b))

	r.router.Wait()
	var records []store.Record
	req.Equal(http.StatusOK, getJSON(t, r.url+"/history?a=2&b=1", nil, &records))
	req.Len(records, 1)
	req.Equal("1", records[0].Sender)
	req.Equal("2", records[0].Receiver)
	req.Equal("hi", records[0].Body)
}

func TestHistory_Limit_Keeps_Most_Recent(t *testing.T) {
	req := require.New(t)
	r := startRelay(t, identity.Open{}, true)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, body := range []string{"one", "two", "three"} {
		req.NoError(r.messages.AppendMessage(context.Background(), "1", "2", body, base.Add(time.Duration(i)*time.Second)))
	}

	var records []store.Record
	req.Equal(http.StatusOK, getJSON(t, r.url+"/history?a=1&b=2&limit=2", nil, &records))
	req.Len(records, 2)
	req.Equal("two", records[0].Body)
	req.Equal("three", records[1].Body)
}

func TestHistory_Empty_Conversation_Is_Empty_Array(t *testing.T) {
	r := startRelay(t, identity.Open{}, true)

	resp, err := http.Get(r.url + "/history?a=1&b=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.JSONEq(t, `[]`, string(raw))
}

func TestHistory_Bad_Requests(t *testing.T) {
	r := startRelay(t, identity.Open{}, true)

	tests := []struct {
		name  string
		query string
	}{
		{"missing b", "?a=1"},
		{"missing both", ""},
		{"bad limit", "?a=1&b=2&limit=many"},
		{"control characters", "?a=1&b=%1F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, http.StatusBadRequest, getJSON(t, r.url+"/history"+tt.query, nil, nil))
		})
	}
}

func TestHistory_Unavailable_Without_Store(t *testing.T) {
	r := startRelay(t, identity.Open{}, false)

	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, r.url+"/history?a=1&b=2", nil, nil))
}

func TestAuth_Upgrade_Requires_Token(t *testing.T) {
	r := startRelay(t, identity.NewTokens([]byte(testSecret), "courier"), true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, r.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, r.wsURL()+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_Identity_Is_Enforced(t *testing.T) {
	req := require.New(t)
	tokens := identity.NewTokens([]byte(testSecret), "courier")
	r := startRelay(t, tokens, true)

	aliceToken, err := tokens.Issue("alice", time.Minute)
	req.NoError(err)
	bobToken, err := tokens.Issue("bob", time.Minute)
	req.NoError(err)

	alice := dial(t, r.wsURL()+"?token="+aliceToken, nil)
	bob := dial(t, r.wsURL(), http.Header{"Authorization": {"Bearer " + bobToken}})

	// Registering as someone else is ignored: the first ack is for alice.
	send(t, alice, frame{"command": "register", "userId": "bob"})
	send(t, alice, frame{"command": "register", "userId": "alice"})
	req.Equal("alice", read(t, alice)["userId"])
	send(t, bob, frame{"command": "register", "userId": "bob"})
	req.Equal("bob", read(t, bob)["userId"])

	// A forged sender is dropped, the genuine message arrives.
	send(t, alice, frame{"command": "message", "from": "carol", "to": "bob", "message": "forged"})
	send(t, alice, frame{"command": "message", "from": "alice", "to": "bob", "message": "genuine"})
	req.Equal("genuine", read(t, bob)["message"])

	// History is scoped to the caller.
	r.router.Wait()
	var records []store.Record
	req.Equal(http.StatusOK, getJSON(t, r.url+"/history?with=alice",
		http.Header{"Authorization": {"Bearer " + bobToken}}, &records))
	req.Len(records, 1)
	req.Equal("genuine", records[0].Body)

	req.Equal(http.StatusUnauthorized, getJSON(t, r.url+"/history?with=alice", nil, nil))
}
