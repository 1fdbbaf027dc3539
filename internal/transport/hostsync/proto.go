// Package hostsync streams host payloads from a running world to remote
// mirrors over websocket, and carries their placement requests back.
//
// Control messages are JSON text frames. Host updates are binary frames: a
// kind byte, the tick, the position and then the host's stream payload.
package hostsync

import (
	"fmt"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
	"busgrid.ai/internal/sim/world"
)

const Version = "1"

const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeRequest = "REQUEST"
	TypeResult  = "RESULT"
	TypeResync  = "RESYNC"
)

type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Actor is recorded on requests that do not name one.
	Actor    string `json:"actor,omitempty"`
	MaxQueue int    `json:"max_queue,omitempty"`
}

type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
	Tick            uint64 `json:"tick"`
	Hosts           int    `json:"hosts"`
}

type RequestMsg struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Request world.Request `json:"request"`
}

type ResultMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// ResyncMsg asks for the current payload of one host.
type ResyncMsg struct {
	Type string `json:"type"`
	Pos  [3]int `json:"pos"`
}

type baseMsg struct {
	Type string `json:"type"`
}

type FrameKind byte

const (
	FrameHost FrameKind = iota + 1
	FrameForget
	// FrameSynced ends the initial resync of a session.
	FrameSynced
)

func (k FrameKind) String() string {
	switch k {
	case FrameHost:
		return "host"
	case FrameForget:
		return "forget"
	case FrameSynced:
		return "synced"
	default:
		return fmt.Sprintf("frame(%d)", byte(k))
	}
}

type Frame struct {
	Kind    FrameKind
	Tick    uint64
	Pos     geom.Vec3i
	Payload []byte
}

func EncodeFrame(f Frame) []byte {
	w := bus.NewStreamWriter()
	w.PutByte(byte(f.Kind))
	w.PutUvarint(f.Tick)
	w.PutVarint(int64(f.Pos.X))
	w.PutVarint(int64(f.Pos.Y))
	w.PutVarint(int64(f.Pos.Z))
	return append(w.Bytes(), f.Payload...)
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	r := bus.NewStreamReader(b)
	kind, err := r.ReadByte()
	if err != nil {
		return f, fmt.Errorf("frame kind: %w", err)
	}
	f.Kind = FrameKind(kind)
	if f.Kind < FrameHost || f.Kind > FrameSynced {
		return f, fmt.Errorf("unknown frame kind %d", kind)
	}
	if f.Tick, err = r.ReadUvarint(); err != nil {
		return f, fmt.Errorf("frame tick: %w", err)
	}
	var xyz [3]int64
	for i := range xyz {
		if xyz[i], err = r.ReadVarint(); err != nil {
			return f, fmt.Errorf("frame pos: %w", err)
		}
	}
	f.Pos = geom.Vec3i{X: int(xyz[0]), Y: int(xyz[1]), Z: int(xyz[2])}
	if n := r.Remaining(); n > 0 {
		f.Payload = b[len(b)-n:]
	}
	if f.Kind == FrameHost && len(f.Payload) == 0 {
		return f, fmt.Errorf("host frame without payload")
	}
	return f, nil
}
