package bus

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const keyRedstone = "hasRedstone"

func defKey(s Slot) string   { return "def:" + s.ID() }
func extraKey(s Slot) string { return "extra:" + s.ID() }

// Serialize returns the persisted document of the host.
func (h *Host) Serialize() Document {
	doc := Document{keyRedstone: int(h.redstone)}
	for _, slot := range centerFirst {
		m := h.slots[slot]
		if m == nil {
			continue
		}
		extra := Document{}
		m.dev.WriteData(extra)
		doc[defKey(slot)] = Document{"id": m.dev.Type().ID}
		doc[extraKey(slot)] = extra
	}
	h.facades.writeDoc(doc)
	return doc
}

// Deserialize applies doc. A slot holding the same device type keeps its
// device, node and links and only reads the extra data; any other slot is
// replaced. Slots that cannot be restored are left empty and reported as
// *UnrecognizedDeviceError values joined into the returned error.
func (h *Host) Deserialize(doc Document) error {
	h.invalidateShapes()
	if v, ok := doc.Int(keyRedstone); ok && v >= 0 && v <= int(RedstoneUndecided) {
		h.redstone = Redstone(v)
	}

	reg := h.world.Registry()
	var errs []error
	for _, slot := range centerFirst {
		def, okDef := doc.Doc(defKey(slot))
		extra, okExtra := doc.Doc(extraKey(slot))
		if !okDef || !okExtra {
			h.detach(slot)
			continue
		}

		id, _ := def.String("id")
		t := reg.ByID(id)
		if t == nil {
			h.detach(slot)
			errs = append(errs, h.unrecognized(slot, id, "is not registered"))
			continue
		}
		if m := h.slots[slot]; m != nil && m.dev.Type() == t {
			if err := m.dev.ReadData(extra); err != nil {
				errs = append(errs, fmt.Errorf("slot %s: %w", slot, err))
			}
			continue
		}
		if !h.replace(t, slot, nil) {
			errs = append(errs, h.unrecognized(slot, id, "could not be attached"))
			continue
		}
		if err := h.slots[slot].dev.ReadData(extra); err != nil {
			errs = append(errs, fmt.Errorf("slot %s: %w", slot, err))
		}
	}

	h.facades.readDoc(doc)
	h.updateAfterChange()
	return errors.Join(errs...)
}

func (h *Host) unrecognized(slot Slot, id, reason string) error {
	err := &UnrecognizedDeviceError{Slot: slot, TypeID: id, Reason: reason}
	h.log.WithFields(logrus.Fields{
		"slot": slot.ID(),
		"type": id,
	}).Warn("persisted device dropped: " + reason)
	return err
}

// WriteStream encodes the host for mirrors: a bitmask of occupied slots in
// face-then-center order, then per slot the type's net id and the device
// payload, then the facades.
func (h *Host) WriteStream(w *StreamWriter) {
	var mask byte
	for i, slot := range AllSlots {
		if h.slots[slot] != nil {
			mask |= 1 << i
		}
	}
	w.PutByte(mask)
	for _, slot := range AllSlots {
		if m := h.slots[slot]; m != nil {
			w.PutUvarint(uint64(m.dev.Type().NetID))
			m.dev.WriteStream(w)
		}
	}
	h.facades.writeStream(w)
}

// StreamBytes is WriteStream into a fresh buffer.
func (h *Host) StreamBytes() []byte {
	w := NewStreamWriter()
	h.WriteStream(w)
	return w.Bytes()
}

// ReadStream applies a payload written by WriteStream. It reports whether
// anything visible changed. A payload naming a device this host cannot
// recreate yields a *StreamDesyncError; the host may then be partially
// updated and needs a full resync.
func (h *Host) ReadStream(r *StreamReader) (bool, error) {
	mask, err := r.ReadByte()
	if err != nil {
		return false, h.desync("mask", err)
	}
	if mask>>len(AllSlots) != 0 {
		return false, h.desync("mask", fmt.Errorf("unknown slot bits %#x", mask))
	}

	reg := h.world.Registry()
	updated, structural := false, false
	for i, slot := range AllSlots {
		if mask&(1<<i) == 0 {
			if h.detach(slot) {
				updated, structural = true, true
			}
			continue
		}

		netID, err := r.ReadUvarint()
		if err != nil {
			return updated, h.desync(slot.ID(), err)
		}
		t := reg.ByNetID(uint32(netID))
		if m := h.slots[slot]; m != nil && t != nil && m.dev.Type() == t {
			changed, err := m.dev.ReadStream(r)
			if err != nil {
				return updated, h.desync(slot.ID(), err)
			}
			updated = updated || changed
			continue
		}

		if h.detach(slot) {
			structural = true
		}
		updated = true
		if t == nil {
			return updated, h.desync(slot.ID(), fmt.Errorf("unknown device net id %d", netID))
		}
		if !h.Attach(t, slot, nil) {
			return updated, h.desync(slot.ID(), fmt.Errorf("device %q could not be attached", t.ID))
		}
		if _, err := h.slots[slot].dev.ReadStream(r); err != nil {
			return updated, h.desync(slot.ID(), err)
		}
	}

	changed, err := h.facades.readStream(r)
	if err != nil {
		return updated, h.desync("facades", err)
	}
	if structural {
		h.updateAfterChange()
	}
	h.invalidateShapes()
	return updated || changed, nil
}

func (h *Host) desync(part string, err error) error {
	return &StreamDesyncError{Pos: h.pos, Part: part, Err: err}
}
