// Package ticking schedules devices on the shared global clock.
//
// Every registered device declares a band of acceptable tick rates (in global
// ticks between calls). The scheduler keeps awake devices in a priority queue
// ordered by their next due tick, so a global tick only visits devices that are
// due. Each call returns a TickRateModulation that moves the device's rate
// within its band or puts it to sleep until it is woken.
package ticking

import (
	"errors"
	"fmt"

	"busgrid.ai/internal/sim/grid"
)

var (
	ErrInvalidRequest = errors.New("ticking: invalid tick rate band")
	ErrAlreadyTracked = errors.New("ticking: node already registered")
	ErrNotTracked     = errors.New("ticking: node not registered")
)

// TickRateModulation is a device's feedback about how soon it wants its next call.
type TickRateModulation uint8

const (
	// Same keeps the current rate.
	Same TickRateModulation = iota
	// Sleep stops scheduling until the device is woken.
	Sleep
	// Idle lengthens the interval toward the band maximum.
	Idle
	// Faster shortens the interval toward the band minimum.
	Faster
	// Urgent snaps the interval to the band minimum.
	Urgent
)

var modulationNames = []string{"SAME", "SLEEP", "IDLE", "FASTER", "URGENT"}

func (m TickRateModulation) String() string {
	if int(m) < len(modulationNames) {
		return modulationNames[m]
	}
	return fmt.Sprintf("MODULATION(%d)", uint8(m))
}

// TickingRequest is declared once, when a device is registered.
type TickingRequest struct {
	MinTickRate int
	MaxTickRate int
	// StartAsleep registers the device without scheduling it.
	StartAsleep bool
	// CanBeAlerted allows Alert to pull the next call forward.
	CanBeAlerted bool
}

func (r TickingRequest) Validate() error {
	if r.MinTickRate < 1 || r.MaxTickRate < r.MinTickRate {
		return fmt.Errorf("%w: [%d,%d]", ErrInvalidRequest, r.MinTickRate, r.MaxTickRate)
	}
	return nil
}

func (r TickingRequest) midpoint() int { return (r.MinTickRate + r.MaxTickRate) / 2 }

// Tickable is implemented by devices that want scheduler time.
type Tickable interface {
	TickingRequest(node grid.NodeID) TickingRequest
	// Tick runs the device. ticksSinceLastCall is at least 1.
	Tick(node grid.NodeID, ticksSinceLastCall int) TickRateModulation
}

// TickableFuncs adapts a pair of functions to Tickable.
type TickableFuncs struct {
	Request TickingRequest
	OnTick  func(node grid.NodeID, ticksSinceLastCall int) TickRateModulation
}

func (f TickableFuncs) TickingRequest(grid.NodeID) TickingRequest { return f.Request }

func (f TickableFuncs) Tick(node grid.NodeID, ticksSinceLastCall int) TickRateModulation {
	if f.OnTick == nil {
		return Same
	}
	return f.OnTick(node, ticksSinceLastCall)
}
