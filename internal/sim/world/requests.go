package world

import (
	"context"
	"fmt"

	"busgrid.ai/internal/sim/bus"
	"busgrid.ai/internal/sim/geom"
)

type Op string

const (
	OpAttach     Op = "ATTACH"
	OpDetach     Op = "DETACH"
	OpReplace    Op = "REPLACE"
	OpFacade     Op = "FACADE"
	OpOffer      Op = "OFFER"
	OpSignal     Op = "SIGNAL"
	OpBlock      Op = "BLOCK"
	OpUnblock    Op = "UNBLOCK"
	OpRemoveHost Op = "REMOVE_HOST"
)

// Request is a change submitted from outside the simulation goroutine. It is
// applied at the next tick boundary, in arrival order.
type Request struct {
	Op    Op     `json:"op"`
	Actor string `json:"actor,omitempty"`
	Pos   [3]int `json:"pos"`
	// Slot is a slot id for device ops and a face name for FACADE, BLOCK and UNBLOCK.
	Slot string `json:"slot,omitempty"`
	// Type is a device type id, or a facade item ("" removes the facade).
	Type string `json:"type,omitempty"`
	// N is the work unit count for OFFER and the level for SIGNAL.
	N int `json:"n,omitempty"`

	Resp chan error `json:"-"`
}

// Submit queues req for the run loop and waits until it has been applied.
func (w *World) Submit(ctx context.Context, req Request) error {
	req.Resp = make(chan error, 1)
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply performs req on the calling goroutine, which must own the world.
func (w *World) Apply(req Request) error {
	pos := geom.Vec3iFromArray(req.Pos)
	placer := &bus.Placer{ID: req.Actor}
	switch req.Op {
	case OpAttach, OpDetach, OpReplace, OpOffer:
		slot, err := bus.ParseSlot(req.Slot)
		if err != nil {
			return err
		}
		switch req.Op {
		case OpAttach:
			return w.Attach(pos, slot, req.Type, placer)
		case OpDetach:
			return w.Detach(pos, slot, req.Actor)
		case OpReplace:
			return w.Replace(pos, slot, req.Type, placer)
		default:
			return w.Offer(pos, slot, req.N)
		}
	case OpFacade, OpBlock, OpUnblock:
		face, err := geom.ParseFace(req.Slot)
		if err != nil {
			return err
		}
		switch req.Op {
		case OpFacade:
			return w.SetFacade(pos, face, req.Type, req.Actor)
		default:
			w.SetBlocked(pos, face, req.Op == OpBlock)
			return nil
		}
	case OpSignal:
		w.SetSignal(pos, req.N)
		return nil
	case OpRemoveHost:
		if _, ok := w.hosts[pos]; !ok {
			return fmt.Errorf("%w: %v", ErrNoHost, req.Pos)
		}
		w.RemoveHost(pos)
		return nil
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
}

func (w *World) applyRequests(reqs []Request) []RecordedRequest {
	if len(reqs) == 0 {
		return nil
	}
	recorded := make([]RecordedRequest, 0, len(reqs))
	for _, req := range reqs {
		err := w.Apply(req)
		rec := RecordedRequest{Request: req}
		if err != nil {
			rec.Error = err.Error()
			w.log.WithError(err).WithField("op", req.Op).Debug("request failed")
		}
		recorded = append(recorded, rec)
		if req.Resp != nil {
			req.Resp <- err
		}
	}
	return recorded
}
