// Command callprobe joins a chat's signaling channel as a headless WebRTC peer. It is used to
// check ICE reachability and signaling end to end without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/internal/call"
	"github.com/mossy-p/campus-signaling/internal/handlers"
	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/pkg/logger"
)

type options struct {
	server   string
	username string
	password string
	chatID   string
	offer    bool
	video    bool
	ring     time.Duration
	hold     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet("callprobe", flag.ContinueOnError)
	fs.StringVar(&opts.server, "server", "http://localhost:8080", "Signaling service base URL")
	fs.StringVar(&opts.username, "user", "", "User to log in as (development login)")
	fs.StringVar(&opts.password, "password", "probe", "Password for the development login")
	fs.StringVar(&opts.chatID, "chat", "", "Chat to join")
	fs.BoolVar(&opts.offer, "offer", false, "Place the call instead of waiting for one")
	fs.BoolVar(&opts.video, "video", false, "Negotiate a video track as well as audio")
	fs.DurationVar(&opts.ring, "ring", 30*time.Second, "How long to wait for the call to connect")
	fs.DurationVar(&opts.hold, "hold", 10*time.Second, "How long to stay connected before hanging up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.username == "" || opts.chatID == "" {
		return errors.New("-user and -chat are required")
	}

	if err := logger.Init("info", "development"); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.WithModule("callprobe")

	api := newAPIClient(strings.TrimRight(opts.server, "/"))
	selfID, err := api.login(ctx, opts.username, opts.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	servers, err := api.iceServers(ctx)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}
	log.Info("ice servers resolved", zap.Int("count", len(servers)))

	pc, err := webrtc.NewPeerConnection(ice.Configuration(servers))
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	defer pc.Close()

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if opts.video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	conn, peerID, err := joinChat(opts.server, opts.chatID, api.token)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("joined chat", zap.String("chat_id", opts.chatID), zap.String("self", selfID), zap.String("peer", peerID))

	probe := &probe{
		conn:      conn,
		pc:        pc,
		session:   call.NewSession(opts.chatID, selfID, peerID, pc),
		log:       log,
		connected: make(chan struct{}),
		ended:     make(chan struct{}),
	}
	return probe.run(ctx, api, opts)
}

func joinChat(server, chatID, token string) (*websocket.Conn, string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/signal/" + url.PathEscape(chatID)
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial signaling: %w", err)
	}

	var ready struct {
		Kind  string `json:"kind"`
		Peer  string `json:"peer"`
		Error string `json:"error"`
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read ready frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if ready.Kind != "ready" {
		conn.Close()
		return nil, "", fmt.Errorf("signaling refused: %s", ready.Error)
	}
	return conn, ready.Peer, nil
}

type probe struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pc      *webrtc.PeerConnection
	session *call.Session
	log     *zap.Logger

	connected chan struct{}
	ended     chan struct{}
}

func (p *probe) send(msg models.SignalMessage) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		p.log.Warn("send failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}

func (p *probe) run(ctx context.Context, api *apiClient, opts options) error {
	s := p.session
	var connectedOnce, endedOnce sync.Once
	s.OnStateChange(func(state call.State) {
		p.log.Info("call state", zap.Stringer("state", state))
		switch state {
		case call.StateConnected:
			connectedOnce.Do(func() { close(p.connected) })
		case call.StateTerminated:
			endedOnce.Do(func() { close(p.ended) })
		}
	})

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		msg, err := models.NewCandidate(s.SelfID, s.PeerID, c.ToJSON())
		if err == nil {
			p.send(msg)
		}
	})
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ice state", zap.Stringer("state", state))
	})

	go p.readLoop()

	if opts.offer {
		if err := p.placeCall(); err != nil {
			return err
		}
	}

	select {
	case <-p.connected:
		select {
		case <-time.After(opts.hold):
			p.hangup()
		case <-p.ended:
		case <-ctx.Done():
			p.hangup()
		}
	case <-p.ended:
	case <-time.After(opts.ring):
		p.log.Info("no answer")
		p.hangup()
	case <-ctx.Done():
		p.hangup()
	}

	outcome, ok := s.Outcome()
	if !ok {
		return errors.New("call did not terminate")
	}
	callType := models.CallTypeAudio
	if opts.video {
		callType = models.CallTypeVideo
	}
	p.log.Info("call finished", zap.String("status", string(outcome.Status)))

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return api.recordCall(recordCtx, handlers.RecordCallRequest{
		PeerID:          s.PeerID,
		ChatID:          s.ChatID,
		CallType:        callType,
		Status:          outcome.Status,
		StartedAt:       outcome.StartedAt,
		DurationSeconds: outcome.DurationSeconds,
	})
}

func (p *probe) placeCall() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	msg, err := models.NewOffer(p.session.SelfID, p.session.PeerID, offer)
	if err != nil {
		return err
	}
	if err := p.session.LocalOffer(); err != nil {
		return err
	}
	p.send(msg)
	return nil
}

func (p *probe) answerCall() error {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	msg, err := models.NewAnswer(p.session.SelfID, p.session.PeerID, answer)
	if err != nil {
		return err
	}
	if err := p.session.LocalAnswer(); err != nil {
		return err
	}
	p.send(msg)
	return nil
}

func (p *probe) hangup() {
	if p.session.State() == call.StateTerminated {
		return
	}
	p.send(models.NewHangup(p.session.SelfID, p.session.PeerID))
	p.session.LocalHangup()
}

func (p *probe) readLoop() {
	for {
		var msg models.SignalMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			p.log.Info("signaling closed", zap.Error(err))
			p.session.LocalHangup()
			return
		}
		if !msg.Kind.Valid() {
			p.log.Warn("gateway frame", zap.String("kind", string(msg.Kind)))
			continue
		}
		if err := p.session.HandleRemote(msg); err != nil {
			p.log.Warn("remote message rejected", zap.String("kind", string(msg.Kind)), zap.Error(err))
			continue
		}
		if msg.Kind == models.SignalKindOffer && p.session.State() == call.StateOffered {
			if err := p.answerCall(); err != nil {
				p.log.Error("answer failed", zap.Error(err))
				p.hangup()
			}
		}
	}
}
