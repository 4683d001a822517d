package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/database/testutil"
	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/internal/pubsub"
	"github.com/mossy-p/campus-signaling/internal/services"
	"github.com/mossy-p/campus-signaling/internal/signaling"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

const videoOffer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\n"

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

type testServer struct {
	*httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	chats, err := services.NewChatService(db, nil)
	require.NoError(t, err)
	calls, err := services.NewCallHistoryService(db)
	require.NoError(t, err)
	notifications, err := services.NewNotificationService(db, broker)
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret",
			TokenTTL:  time.Hour,
			DevLogin:  true,
		},
		Signaling: config.SignalingConfig{RatePerSecond: 100, Burst: 100},
	}

	router, err := NewRouter(Dependencies{
		Config:        cfg,
		Resolver:      ice.NewResolver(config.ICEConfig{}),
		Channel:       signaling.NewChannel(broker),
		Chats:         chats,
		Calls:         calls,
		Notifications: notifications,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (s *testServer) login(t *testing.T, user string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: "x"})
	require.Equal(t, http.StatusOK, status)

	var out LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Equal(t, user, out.UserID)
	return out.Token
}

func (s *testServer) openChat(t *testing.T, token, peer string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/chats", token, map[string]string{"peerId": peer})
	require.Equal(t, http.StatusCreated, status)

	var chat struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &chat))
	require.NotEmpty(t, chat.ID)
	return chat.ID
}

func (s *testServer) dial(t *testing.T, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHealthAndLogin(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotEmpty(t, s.login(t, "u1"))
}

func TestLoginRejectsBlankUsername(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "   ", Password: "x"})
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, env.Success)
	require.Equal(t, "BAD_REQUEST", env.Error.Code)
}

func TestICEServersUnconfiguredReturnsSTUN(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "u1")

	status, env := s.do(t, http.MethodGet, "/api/ice-servers", token, nil)
	require.Equal(t, http.StatusOK, status)

	var out ICEServersResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Equal(t, ice.STUNServers(), out.ICEServers)

	status, _ = s.do(t, http.MethodGet, "/api/ice-servers", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestChatMembership(t *testing.T) {
	s := newTestServer(t)
	u1, u3 := s.login(t, "u1"), s.login(t, "u3")
	chatID := s.openChat(t, u1, "u2")

	status, env := s.do(t, http.MethodGet, "/api/chats/"+chatID, u1, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)

	status, env = s.do(t, http.MethodGet, "/api/chats/"+chatID, u3, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "FORBIDDEN", env.Error.Code)

	_, resp, err := s.dial(t, "/ws/signal/"+chatID, u3)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = s.dial(t, "/ws/signal/"+chatID, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignalingRelayBetweenParticipants(t *testing.T) {
	s := newTestServer(t)
	u1, u2 := s.login(t, "u1"), s.login(t, "u2")
	chatID := s.openChat(t, u1, "u2")

	alerts, _, err := s.dial(t, "/ws/notifications", u2)
	require.NoError(t, err)
	require.Equal(t, "ready", readFrame(t, alerts)["kind"])

	caller, _, err := s.dial(t, "/ws/signal/"+chatID, u1)
	require.NoError(t, err)
	ready := readFrame(t, caller)
	require.Equal(t, "ready", ready["kind"])
	require.Equal(t, "u2", ready["peer"])

	callee, _, err := s.dial(t, "/ws/signal/"+chatID, u2)
	require.NoError(t, err)
	require.Equal(t, "ready", readFrame(t, callee)["kind"])

	require.NoError(t, caller.WriteJSON(map[string]any{
		"kind":    "offer",
		"from":    "spoofed",
		"payload": map[string]string{"type": "offer", "sdp": videoOffer},
	}))

	offer := readFrame(t, callee)
	require.Equal(t, "offer", offer["kind"])
	require.Equal(t, "u1", offer["from"])
	require.Equal(t, "u2", offer["to"])
	require.Equal(t, chatID, offer["chatId"])

	alert := readFrame(t, alerts)
	require.Equal(t, services.NotificationIncomingCall, alert["type"])
	data := alert["data"].(map[string]any)
	require.Equal(t, "video", data["callType"])
	require.Equal(t, "u1", data["callerId"])

	require.NoError(t, callee.WriteJSON(map[string]any{
		"kind":    "answer",
		"to":      "u1",
		"payload": map[string]string{"type": "answer", "sdp": videoOffer},
	}))
	answer := readFrame(t, caller)
	require.Equal(t, "answer", answer["kind"])
	require.Equal(t, "u2", answer["from"])

	require.NoError(t, caller.WriteJSON(map[string]any{"kind": "hangup"}))
	require.Equal(t, "hangup", readFrame(t, callee)["kind"])
}

func TestSignalingRejectsBadFramesAndContinues(t *testing.T) {
	s := newTestServer(t)
	u1, u2 := s.login(t, "u1"), s.login(t, "u2")
	chatID := s.openChat(t, u1, "u2")

	caller, _, err := s.dial(t, "/ws/signal/"+chatID, u1)
	require.NoError(t, err)
	readFrame(t, caller)
	callee, _, err := s.dial(t, "/ws/signal/"+chatID, u2)
	require.NoError(t, err)
	readFrame(t, callee)

	require.NoError(t, caller.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, "error", readFrame(t, caller)["kind"])

	require.NoError(t, caller.WriteJSON(map[string]any{
		"kind":    "ice-candidate",
		"to":      "u3",
		"payload": map[string]string{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}))
	require.Equal(t, "error", readFrame(t, caller)["kind"])

	require.NoError(t, caller.WriteJSON(map[string]any{"kind": "ring"}))
	require.Equal(t, "error", readFrame(t, caller)["kind"])

	require.NoError(t, caller.WriteJSON(map[string]any{
		"kind":    "ice-candidate",
		"payload": map[string]string{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}))
	candidate := readFrame(t, callee)
	require.Equal(t, "ice-candidate", candidate["kind"])
	require.Equal(t, "u1", candidate["from"])
}

func TestCallHistoryAPI(t *testing.T) {
	s := newTestServer(t)
	u1, u2 := s.login(t, "u1"), s.login(t, "u2")
	chatID := s.openChat(t, u1, "u2")

	status, _ := s.do(t, http.MethodPost, "/api/calls", u1, map[string]any{
		"peerId":    "u3",
		"chatId":    chatID,
		"callType":  "audio",
		"status":    "missed",
		"startedAt": time.Now().UTC(),
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, env := s.do(t, http.MethodPost, "/api/calls", u1, map[string]any{
		"peerId":           "u2",
		"chatId":           chatID,
		"callType":         "video",
		"status":           "answered",
		"startedAt":        time.Now().UTC(),
		"durationSeconds":  95,
		"bothParticipants": true,
	})
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Len(t, created.IDs, 2)

	status, env = s.do(t, http.MethodGet, "/api/calls?view=latest&limit=10", u2, nil)
	require.Equal(t, http.StatusOK, status)
	var calleeCalls []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &calleeCalls))
	require.Len(t, calleeCalls, 1)
	require.Equal(t, "u1", calleeCalls[0]["peerId"])
	require.EqualValues(t, 95, calleeCalls[0]["durationSeconds"])

	status, _ = s.do(t, http.MethodGet, "/api/calls/"+created.IDs[0], u2, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodGet, "/api/calls?view=sideways", u1, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodDelete, "/api/calls", u1, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodGet, "/api/calls", u1, nil)
	require.Equal(t, http.StatusOK, status)
	var remaining []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &remaining))
	require.Empty(t, remaining)
}

func TestNotificationPreferencesAPI(t *testing.T) {
	s := newTestServer(t)
	u1 := s.login(t, "u1")

	status, env := s.do(t, http.MethodPut, "/api/notifications/preferences", u1, map[string]any{"sound": false})
	require.Equal(t, http.StatusOK, status)

	var prefs services.Preferences
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	require.Equal(t, services.Preferences{CallAlerts: true, MessageAlerts: true, Sound: false}, prefs)

	status, env = s.do(t, http.MethodGet, "/api/notifications/preferences", u1, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	require.False(t, prefs.Sound)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/api/calls", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, s.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
