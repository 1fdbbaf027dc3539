package bus

import (
	"fmt"
	"strings"

	"busgrid.ai/internal/sim/geom"
)

// Slot is one of the seven mounting locations of a host: the six faces plus the center.
type Slot uint8

const (
	SlotDown   = Slot(geom.Down)
	SlotUp     = Slot(geom.Up)
	SlotNorth  = Slot(geom.North)
	SlotSouth  = Slot(geom.South)
	SlotWest   = Slot(geom.West)
	SlotEast   = Slot(geom.East)
	SlotCenter = Slot(6)
)

// AllSlots is the face-then-center order used by the stream bitmask.
var AllSlots = [7]Slot{SlotDown, SlotUp, SlotNorth, SlotSouth, SlotWest, SlotEast, SlotCenter}

// centerFirst is the order used for hit-testing, loading and persistence.
var centerFirst = [7]Slot{SlotCenter, SlotDown, SlotUp, SlotNorth, SlotSouth, SlotWest, SlotEast}

func FaceSlot(f geom.Face) Slot { return Slot(f) }

func (s Slot) Valid() bool    { return s <= SlotCenter }
func (s Slot) IsCenter() bool { return s == SlotCenter }

// Face returns the face a face slot is mounted on.
func (s Slot) Face() (geom.Face, bool) {
	if s >= SlotCenter {
		return 0, false
	}
	return geom.Face(s), true
}

// ID is the key used in persisted documents.
func (s Slot) ID() string {
	if s.IsCenter() {
		return "center"
	}
	if f, ok := s.Face(); ok {
		return f.String()
	}
	return fmt.Sprintf("slot(%d)", uint8(s))
}

func (s Slot) String() string { return s.ID() }

func ParseSlot(id string) (Slot, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "center" {
		return SlotCenter, nil
	}
	f, err := geom.ParseFace(id)
	if err != nil {
		return 0, fmt.Errorf("unknown slot %q", id)
	}
	return FaceSlot(f), nil
}
