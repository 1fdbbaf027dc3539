package bus

import (
	"errors"
	"fmt"

	"busgrid.ai/internal/sim/geom"
)

// UnrecognizedDeviceError is reported by Deserialize for a slot whose saved
// device could not be restored. The slot is left empty and the rest of the
// document is still applied.
type UnrecognizedDeviceError struct {
	Slot   Slot
	TypeID string
	Reason string
}

func (e *UnrecognizedDeviceError) Error() string {
	return fmt.Sprintf("bus: slot %s: device %q %s", e.Slot, e.TypeID, e.Reason)
}

// StreamDesyncError means a sync payload did not match what this host can
// represent. The mirror should request a full resync of the host.
type StreamDesyncError struct {
	Pos geom.Vec3i
	// Part is the slot id, "mask" or "facades".
	Part string
	Err  error
}

func (e *StreamDesyncError) Error() string {
	return fmt.Sprintf("bus: invalid stream for host %v (%s): %v", e.Pos.ToArray(), e.Part, e.Err)
}

func (e *StreamDesyncError) Unwrap() error { return e.Err }

func IsStreamDesync(err error) bool {
	var d *StreamDesyncError
	return errors.As(err, &d)
}

// UnrecognizedDevices extracts every UnrecognizedDeviceError joined into err.
func UnrecognizedDevices(err error) []*UnrecognizedDeviceError {
	if err == nil {
		return nil
	}
	var out []*UnrecognizedDeviceError
	var u *UnrecognizedDeviceError
	if errors.As(err, &u) {
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range j.Unwrap() {
				out = append(out, UnrecognizedDevices(e)...)
			}
			return out
		}
		return []*UnrecognizedDeviceError{u}
	}
	return nil
}
