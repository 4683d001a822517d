package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/middleware"
	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/internal/services"
	"github.com/mossy-p/campus-signaling/internal/signaling"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/metrics"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
)

// ChatDirectory resolves chat membership and tracks who is connected.
type ChatDirectory interface {
	PeerOf(ctx context.Context, chatID, userID string) (string, error)
	MarkOnline(ctx context.Context, chatID, userID string)
	MarkOffline(ctx context.Context, chatID, userID string)
}

// Notifier alerts a user outside the chat's signaling channel.
type Notifier interface {
	Notify(ctx context.Context, userID string, n services.Notification) error
}

// controlFrame is a gateway-originated frame; it never travels on the channel.
type controlFrame struct {
	Kind   string `json:"kind"`
	ChatID string `json:"chatId,omitempty"`
	Self   string `json:"self,omitempty"`
	Peer   string `json:"peer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SignalHandler bridges browser WebSockets and per-chat signaling channels.
type SignalHandler struct {
	channel  *signaling.Channel
	chats    ChatDirectory
	notifier Notifier
	upgrader websocket.Upgrader
	rate     float64
	burst    int64
	log      *zap.Logger
}

func NewSignalHandler(channel *signaling.Channel, chats ChatDirectory, notifier Notifier, cfg config.SignalingConfig, allowedOrigins []string) *SignalHandler {
	return &SignalHandler{
		channel:  channel,
		chats:    chats,
		notifier: notifier,
		upgrader: newUpgrader(allowedOrigins),
		rate:     cfg.RatePerSecond,
		burst:    cfg.Burst,
		log:      logger.WithModule("gateway"),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowedOrigins, origin)
		},
	}
}

// wsClient owns one socket. send is never closed; done ends the write pump.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newWSClient(conn *websocket.Conn, log *zap.Logger) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
	}
}

func (c *wsClient) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// writeNow writes v directly; only valid while the write pump is not running.
func (c *wsClient) writeNow(v any) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("write failed", zap.Error(err))
	}
}

func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump calls onFrame for each text frame until the socket fails or closes.
func (c *wsClient) readPump(onFrame func([]byte)) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		if onFrame != nil {
			onFrame(message)
		}
	}
}

// HandleSignaling serves GET /ws/signal/:chatId for an authenticated chat member.
func (h *SignalHandler) HandleSignaling(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	chatID := c.Param("chatId")

	ctx := c.Request.Context()
	peerID, err := h.chats.PeerOf(ctx, chatID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	session := &signalSession{
		handler: h,
		client:  newWSClient(conn, h.log.With(zap.String("chat_id", chatID), zap.String("user_id", userID))),
		chatID:  chatID,
		selfID:  userID,
		peerID:  peerID,
	}
	if h.rate > 0 {
		session.bucket = ratelimit.NewBucketWithRate(h.rate, max(h.burst, 1))
	}
	session.serve(ctx)
}

type signalSession struct {
	handler *SignalHandler
	client  *wsClient
	bucket  *ratelimit.Bucket

	chatID string
	selfID string
	peerID string
}

func (s *signalSession) serve(ctx context.Context) {
	h := s.handler
	metrics.SignalConnections.Inc()
	h.chats.MarkOnline(ctx, s.chatID, s.selfID)
	defer func() {
		s.client.shutdown()
		h.chats.MarkOffline(context.WithoutCancel(ctx), s.chatID, s.selfID)
		metrics.SignalConnections.Dec()
		s.client.log.Info("signaling connection closed")
	}()

	err := h.channel.Within(ctx, s.chatID, s.forward, func(ctx context.Context) error {
		s.client.log.Info("signaling connection opened")
		s.client.enqueueJSON(controlFrame{Kind: "ready", ChatID: s.chatID, Self: s.selfID, Peer: s.peerID})

		go s.client.writePump()
		s.client.readPump(func(frame []byte) { s.inbound(ctx, frame) })
		return nil
	})
	if err != nil {
		s.client.log.Error("failed to join signaling channel", zap.Error(err))
		s.client.writeNow(controlFrame{Kind: "error", ChatID: s.chatID, Error: "signaling unavailable"})
	}
}

// forward relays channel traffic meant for this participant.
func (s *signalSession) forward(msg models.SignalMessage) {
	if msg.To != s.selfID && (msg.To != "" || msg.From == s.selfID) {
		return
	}
	s.client.enqueueJSON(msg)
}

func (s *signalSession) inbound(ctx context.Context, frame []byte) {
	if s.bucket != nil && s.bucket.TakeAvailable(1) == 0 {
		s.reject("rate_limited", errors.New("too many signaling messages"))
		return
	}

	var msg models.SignalMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.reject("malformed", errors.New("frame is not a signaling message"))
		return
	}

	msg.From = s.selfID
	msg.ChatID = s.chatID
	if msg.To == "" {
		msg.To = s.peerID
	}
	if msg.To != s.peerID {
		s.reject("recipient", errors.New("recipient is not a member of this chat"))
		return
	}

	if err := s.handler.channel.Publish(ctx, s.chatID, msg); err != nil {
		s.reject("invalid", err)
		return
	}

	if msg.Kind == models.SignalKindOffer {
		s.notifyCallee(ctx, msg)
	}
}

func (s *signalSession) notifyCallee(ctx context.Context, offer models.SignalMessage) {
	callType := models.CallTypeAudio
	if offer.HasVideo() {
		callType = models.CallTypeVideo
	}
	title := "Incoming audio call"
	if callType == models.CallTypeVideo {
		title = "Incoming video call"
	}

	err := s.handler.notifier.Notify(ctx, s.peerID, services.Notification{
		Type:  services.NotificationIncomingCall,
		Title: title,
		Data: map[string]any{
			"chatId":   s.chatID,
			"callerId": s.selfID,
			"callType": callType,
		},
	})
	if err != nil {
		s.client.log.Warn("failed to notify callee", zap.String("peer_id", s.peerID), zap.Error(err))
	}
}

func (s *signalSession) reject(reason string, err error) {
	metrics.SignalRejected.WithLabelValues(reason).Inc()
	s.client.log.Debug("rejected inbound frame", zap.String("reason", reason), zap.Error(err))
	s.client.enqueueJSON(controlFrame{Kind: "error", ChatID: s.chatID, Error: err.Error()})
}
