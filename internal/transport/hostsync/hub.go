package hostsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/world"
)

// Submitter applies a request on the simulation goroutine and waits for the
// outcome. *world.World implements it.
type Submitter interface {
	Submit(ctx context.Context, req world.Request) error
}

// Hub keeps the latest payload of every host and fans updates out to the
// connected mirrors. It implements world.StreamSink.
//
// A session whose queue overflows is disconnected: a dropped frame would
// leave its mirror stale, and reconnecting resyncs it from scratch.
type Hub struct {
	worldID string
	sub     Submitter
	log     logrus.FieldLogger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	tick     uint64
	latest   map[geom.Vec3i][]byte
	sessions map[string]*session

	kicked atomic.Uint64
}

type session struct {
	id    string
	actor string
	out   chan outMsg

	done     chan struct{}
	doneOnce sync.Once
}

type outMsg struct {
	messageType int
	data        []byte
}

func (s *session) kick() { s.doneOnce.Do(func() { close(s.done) }) }

func NewHub(worldID string, sub Submitter, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}
	return &Hub{
		worldID: worldID,
		sub:     sub,
		log:     logger.WithField("component", "hostsync"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		latest:   map[geom.Vec3i][]byte{},
		sessions: map[string]*session{},
	}
}

// PublishHost is called from the simulation goroutine.
func (h *Hub) PublishHost(tick uint64, pos geom.Vec3i, payload []byte) {
	frame := EncodeFrame(Frame{Kind: FrameHost, Tick: tick, Pos: pos, Payload: payload})
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick = tick
	h.latest[pos] = payload
	h.broadcastLocked(frame)
}

func (h *Hub) ForgetHost(tick uint64, pos geom.Vec3i) {
	frame := EncodeFrame(Frame{Kind: FrameForget, Tick: tick, Pos: pos})
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick = tick
	delete(h.latest, pos)
	h.broadcastLocked(frame)
}

func (h *Hub) broadcastLocked(frame []byte) {
	for _, s := range h.sessions {
		h.sendLocked(s, outMsg{messageType: websocket.BinaryMessage, data: frame})
	}
}

func (h *Hub) sendLocked(s *session, m outMsg) {
	select {
	case s.out <- m:
	default:
		h.kickLocked(s, "queue full")
	}
}

func (h *Hub) kickLocked(s *session, reason string) {
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	delete(h.sessions, s.id)
	s.kick()
	h.kicked.Add(1)
	h.log.WithFields(logrus.Fields{"session": s.id, "reason": reason}).Warn("session dropped")
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Kicked counts sessions dropped for falling behind.
func (h *Hub) Kicked() uint64 { return h.kicked.Load() }

// Hosts is the number of hosts a joining mirror would receive.
func (h *Hub) Hosts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.latest)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		delete(h.sessions, s.id)
		s.kick()
	}
}

// register adds a session and returns the frames of its initial resync. The
// two happen under one lock, so queued updates always follow the resync.
func (h *Hub) register(actor string, maxQueue int) (*session, []byte, [][]byte) {
	if maxQueue <= 0 {
		maxQueue = 256
	}
	if maxQueue > 4096 {
		maxQueue = 4096
	}
	s := &session{
		id:    uuid.NewString(),
		actor: actor,
		out:   make(chan outMsg, maxQueue),
		done:  make(chan struct{}),
	}
	if s.actor == "" {
		s.actor = "sync:" + s.id[:8]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	positions := make([]geom.Vec3i, 0, len(h.latest))
	for pos := range h.latest {
		positions = append(positions, pos)
	}
	sortPositions(positions)
	frames := make([][]byte, 0, len(positions)+1)
	for _, pos := range positions {
		frames = append(frames, EncodeFrame(Frame{Kind: FrameHost, Tick: h.tick, Pos: pos, Payload: h.latest[pos]}))
	}
	frames = append(frames, EncodeFrame(Frame{Kind: FrameSynced, Tick: h.tick}))
	welcome, _ := json.Marshal(WelcomeMsg{
		Type:            TypeWelcome,
		ProtocolVersion: Version,
		SessionID:       s.id,
		WorldID:         h.worldID,
		Tick:            h.tick,
		Hosts:           len(positions),
	})
	h.sessions[s.id] = s
	return s, welcome, frames
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; ok {
		delete(h.sessions, s.id)
		s.kick()
	}
}

func (h *Hub) resync(s *session, pos geom.Vec3i) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := Frame{Kind: FrameForget, Tick: h.tick, Pos: pos}
	if payload, ok := h.latest[pos]; ok {
		f.Kind, f.Payload = FrameHost, payload
	}
	h.sendLocked(s, outMsg{messageType: websocket.BinaryMessage, data: EncodeFrame(f)})
}

func (h *Hub) reply(s *session, id string, err error) {
	res := ResultMsg{Type: TypeResult, ID: id}
	if err != nil {
		res.Error = err.Error()
	}
	b, _ := json.Marshal(res)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; ok {
		h.sendLocked(s, outMsg{messageType: websocket.TextMessage, data: b})
	}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, ok := h.handshake(conn)
		if !ok {
			return
		}
		s, welcome, frames := h.register(hello.Actor, hello.MaxQueue)
		defer h.unregister(s)
		log := h.log.WithField("session", s.id)
		log.WithField("actor", s.actor).Info("session joined")

		if err := writeMessage(conn, websocket.TextMessage, welcome); err != nil {
			return
		}
		for _, f := range frames {
			if err := writeMessage(conn, websocket.BinaryMessage, f); err != nil {
				return
			}
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-s.done:
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
					_ = conn.Close()
					writeErr <- nil
					return
				case m := <-s.out:
					if err := writeMessage(conn, m.messageType, m.data); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var base baseMsg
			if err := json.Unmarshal(msg, &base); err != nil {
				continue
			}
			switch base.Type {
			case TypeRequest:
				var rm RequestMsg
				if err := json.Unmarshal(msg, &rm); err != nil {
					continue
				}
				if rm.Request.Actor == "" {
					rm.Request.Actor = s.actor
				}
				go func() {
					h.reply(s, rm.ID, h.sub.Submit(ctx, rm.Request))
				}()
			case TypeResync:
				var rs ResyncMsg
				if err := json.Unmarshal(msg, &rs); err != nil {
					continue
				}
				h.resync(s, geom.Vec3iFromArray(rs.Pos))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("session left")
	}
}

func (h *Hub) handshake(conn *websocket.Conn) (HelloMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return HelloMsg{}, false
	}
	var hello HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return HelloMsg{}, false
	}
	if hello.ProtocolVersion != Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return HelloMsg{}, false
	}
	return hello, true
}

func writeMessage(conn *websocket.Conn, messageType int, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(messageType, b)
}

func sortPositions(ps []geom.Vec3i) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}
