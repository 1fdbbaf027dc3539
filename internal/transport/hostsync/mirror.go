package hostsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/grid"
	"busgrid.ai/internal/sim/ticking"
	"busgrid.ai/internal/sim/world"
)

type MirrorOptions struct {
	Actor         string
	MaxQueue      int
	OpaqueFacades bool
	Logger        logrus.FieldLogger
	// OnChange is called from Run after a host visibly changed or went away.
	OnChange func(pos geom.Vec3i)
}

// Mirror is a client-side copy of the hosts of a remote world. Its hosts are
// never added to a world: they carry devices and facades but no links, and
// only the stream payloads change them.
type Mirror struct {
	conn    *websocket.Conn
	log     logrus.FieldLogger
	opts    MirrorOptions
	welcome WelcomeMsg

	reg   *bus.Registry
	graph *grid.Graph
	sched *ticking.Scheduler

	mu      sync.Mutex
	hosts   map[geom.Vec3i]*bus.Host
	tick    uint64
	desyncs int
	// resyncing holds positions with an outstanding RESYNC; a second
	// failure there is not retried until a fresh update arrives.
	resyncing map[geom.Vec3i]bool

	synced     chan struct{}
	syncedOnce sync.Once

	writeMu sync.Mutex
	pendMu  sync.Mutex
	nextID  uint64
	pending map[string]chan error
}

// Dial connects to a hub. reg must hold the same device types, with the same
// net ids, as the server's registry.
func Dial(ctx context.Context, url string, reg *bus.Registry, opts MirrorOptions) (*Mirror, error) {
	if opts.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		opts.Logger = l
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello, _ := json.Marshal(HelloMsg{
		Type:            TypeHello,
		ProtocolVersion: Version,
		Actor:           opts.Actor,
		MaxQueue:        opts.MaxQueue,
	})
	if err := writeMessage(conn, websocket.TextMessage, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var welcome WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %s", TypeWelcome)
	}
	_ = conn.SetReadDeadline(time.Time{})

	m := &Mirror{
		conn:    conn,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "mirror", "session": welcome.SessionID}),
		opts:    opts,
		welcome: welcome,
		reg:     reg,
		graph:   grid.New(),
		sched:   ticking.NewScheduler(ticking.Config{}, opts.Logger),
		hosts:   map[geom.Vec3i]*bus.Host{},
		synced:  make(chan struct{}),
		pending: map[string]chan error{},

		resyncing: map[geom.Vec3i]bool{},
	}
	return m, nil
}

func (m *Mirror) Welcome() WelcomeMsg { return m.welcome }

// Run reads frames until the connection closes or ctx is done. Requests
// still waiting for a result fail with the returned error.
func (m *Mirror) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = m.conn.Close() })
	defer stop()

	keepalive := make(chan struct{})
	defer close(keepalive)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-keepalive:
				return
			case <-t.C:
				m.writeMu.Lock()
				err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				m.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	var err error
	for {
		var mt int
		var msg []byte
		mt, msg, err = m.conn.ReadMessage()
		if err != nil {
			break
		}
		switch mt {
		case websocket.BinaryMessage:
			if ferr := m.applyFrame(msg); ferr != nil {
				m.log.WithError(ferr).Warn("bad frame")
			}
		case websocket.TextMessage:
			m.handleText(msg)
		}
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	m.failPending(err)
	return err
}

func (m *Mirror) handleText(msg []byte) {
	var res ResultMsg
	if err := json.Unmarshal(msg, &res); err != nil || res.Type != TypeResult {
		return
	}
	m.pendMu.Lock()
	ch, ok := m.pending[res.ID]
	delete(m.pending, res.ID)
	m.pendMu.Unlock()
	if !ok {
		return
	}
	if res.Error != "" {
		ch <- errors.New(res.Error)
		return
	}
	ch <- nil
}

func (m *Mirror) failPending(err error) {
	if err == nil {
		err = io.EOF
	}
	m.pendMu.Lock()
	defer m.pendMu.Unlock()
	for id, ch := range m.pending {
		ch <- err
		delete(m.pending, id)
	}
}

func (m *Mirror) applyFrame(b []byte) error {
	f, err := DecodeFrame(b)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tick = f.Tick
	changed, retry := false, false
	switch f.Kind {
	case FrameSynced:
		m.syncedOnce.Do(func() { close(m.synced) })
	case FrameForget:
		_, changed = m.hosts[f.Pos]
		delete(m.hosts, f.Pos)
	case FrameHost:
		h := m.hosts[f.Pos]
		if h == nil {
			h = bus.NewHost(f.Pos, m, m.log)
			m.hosts[f.Pos] = h
		}
		changed, err = h.ReadStream(bus.NewStreamReader(f.Payload))
		if err == nil {
			delete(m.resyncing, f.Pos)
			break
		}
		// The partially updated host is unusable; fetch it again.
		delete(m.hosts, f.Pos)
		m.desyncs++
		changed = true
		retry = !m.resyncing[f.Pos]
		m.resyncing[f.Pos] = true
	}
	m.mu.Unlock()

	if err != nil && !retry {
		m.log.WithError(err).WithField("pos", f.Pos.ToArray()).Error("host desync after resync")
	}
	if retry {
		m.log.WithError(err).WithField("pos", f.Pos.ToArray()).Warn("host desync, requesting resync")
		b, _ := json.Marshal(ResyncMsg{Type: TypeResync, Pos: f.Pos.ToArray()})
		if werr := m.write(websocket.TextMessage, b); werr != nil {
			return werr
		}
	}
	if changed && m.opts.OnChange != nil {
		m.opts.OnChange(f.Pos)
	}
	return nil
}

// WaitSynced blocks until the initial resync has been applied.
func (m *Mirror) WaitSynced(ctx context.Context) error {
	select {
	case <-m.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends req to the server world and waits for its result.
func (m *Mirror) Submit(ctx context.Context, req world.Request) error {
	m.pendMu.Lock()
	m.nextID++
	id := strconv.FormatUint(m.nextID, 10)
	ch := make(chan error, 1)
	m.pending[id] = ch
	m.pendMu.Unlock()

	req.Resp = nil
	b, err := json.Marshal(RequestMsg{Type: TypeRequest, ID: id, Request: req})
	if err == nil {
		err = m.write(websocket.TextMessage, b)
	}
	if err != nil {
		m.pendMu.Lock()
		delete(m.pending, id)
		m.pendMu.Unlock()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.pendMu.Lock()
		delete(m.pending, id)
		m.pendMu.Unlock()
		return ctx.Err()
	}
}

func (m *Mirror) write(messageType int, b []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeMessage(m.conn, messageType, b)
}

func (m *Mirror) Close() error {
	m.writeMu.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	m.writeMu.Unlock()
	return m.conn.Close()
}

func (m *Mirror) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// Desyncs counts payloads that could not be applied.
func (m *Mirror) Desyncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desyncs
}

func (m *Mirror) Positions() []geom.Vec3i {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]geom.Vec3i, 0, len(m.hosts))
	for pos := range m.hosts {
		out = append(out, pos)
	}
	sortPositions(out)
	return out
}

// View returns the render snapshot of the mirrored host at pos.
func (m *Mirror) View(pos geom.Vec3i) (bus.RenderSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hosts[pos]
	if h == nil {
		return bus.RenderSnapshot{}, false
	}
	return h.Snapshot(), true
}

// Inspect runs fn on the mirrored host at pos. fn must not keep h.
func (m *Mirror) Inspect(pos geom.Vec3i, fn func(h *bus.Host)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hosts[pos]
	if h == nil {
		return false
	}
	fn(h)
	return true
}

// bus.World for detached mirror hosts.

func (m *Mirror) Graph() *grid.Graph                   { return m.graph }
func (m *Mirror) Scheduler() *ticking.Scheduler        { return m.sched }
func (m *Mirror) Registry() *bus.Registry              { return m.reg }
func (m *Mirror) HostAt(pos geom.Vec3i) *bus.Host      { return m.hosts[pos] }
func (m *Mirror) IsBlocked(geom.Vec3i, geom.Face) bool { return false }
func (m *Mirror) NeighborSignal(geom.Vec3i) int        { return 0 }
func (m *Mirror) OpaqueFacades() bool                  { return m.opts.OpaqueFacades }
func (m *Mirror) ConnectionRule() grid.Rule            { return grid.CapacityRule() }
func (m *Mirror) RemoveHost(pos geom.Vec3i)            { delete(m.hosts, pos) }
func (m *Mirror) MarkForUpdate(geom.Vec3i)             {}
func (m *Mirror) MarkForSave(geom.Vec3i)               {}
func (m *Mirror) SpawnDrops(geom.Vec3i, []string)      {}
