package bus

import (
	"fmt"

	"busgrid.ai/internal/sim/geom"
)

// Facade is a cosmetic cover on one face of a host. Item is the identity of
// the block it imitates.
type Facade struct {
	Item string
}

// Boxes adds the facade's plate. Small queries get a slightly thinner plate so
// that items resting against the face are not pushed out of the block.
func (f Facade) Boxes(c *geom.BoxCollector, small bool) {
	if small {
		c.AddBox(0, 0, 14, 16, 16, 15.9)
		return
	}
	c.AddBox(0, 0, 14, 16, 16, 16)
}

// FacadeContainer holds up to one facade per face.
type FacadeContainer struct {
	faces [6]*Facade
}

func (fc FacadeContainer) Get(face geom.Face) (Facade, bool) {
	if !face.Valid() || fc.faces[face] == nil {
		return Facade{}, false
	}
	return *fc.faces[face], true
}

// Add installs f on face. It fails if the face already carries a facade.
func (fc *FacadeContainer) Add(face geom.Face, f Facade) bool {
	if !face.Valid() || f.Item == "" || fc.faces[face] != nil {
		return false
	}
	fc.faces[face] = &f
	return true
}

func (fc *FacadeContainer) Remove(face geom.Face) (Facade, bool) {
	if !face.Valid() || fc.faces[face] == nil {
		return Facade{}, false
	}
	f := *fc.faces[face]
	fc.faces[face] = nil
	return f, true
}

func (fc FacadeContainer) Count() int {
	n := 0
	for _, f := range fc.faces {
		if f != nil {
			n++
		}
	}
	return n
}

func (fc FacadeContainer) Empty() bool { return fc.Count() == 0 }

// Items lists the facade items in face order.
func (fc FacadeContainer) Items() []string {
	var out []string
	for _, f := range fc.faces {
		if f != nil {
			out = append(out, f.Item)
		}
	}
	return out
}

func (fc *FacadeContainer) clear() []string {
	items := fc.Items()
	fc.faces = [6]*Facade{}
	return items
}

func facadeKey(face geom.Face) string { return "facade:" + face.String() }

func (fc *FacadeContainer) writeDoc(doc Document) {
	for _, face := range geom.Faces {
		if f := fc.faces[face]; f != nil {
			doc[facadeKey(face)] = f.Item
		}
	}
}

func (fc *FacadeContainer) readDoc(doc Document) {
	for _, face := range geom.Faces {
		item, ok := doc.String(facadeKey(face))
		if !ok || item == "" {
			fc.faces[face] = nil
			continue
		}
		fc.faces[face] = &Facade{Item: item}
	}
}

func (fc *FacadeContainer) writeStream(w *StreamWriter) {
	var mask byte
	for _, face := range geom.Faces {
		if fc.faces[face] != nil {
			mask |= 1 << face
		}
	}
	w.PutByte(mask)
	for _, face := range geom.Faces {
		if f := fc.faces[face]; f != nil {
			w.PutString(f.Item)
		}
	}
}

func (fc *FacadeContainer) readStream(r *StreamReader) (bool, error) {
	mask, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("facade mask: %w", err)
	}
	changed := false
	for _, face := range geom.Faces {
		if mask&(1<<face) == 0 {
			if fc.faces[face] != nil {
				fc.faces[face] = nil
				changed = true
			}
			continue
		}
		item, err := r.ReadString()
		if err != nil {
			return changed, fmt.Errorf("facade %s: %w", face, err)
		}
		if cur := fc.faces[face]; cur == nil || cur.Item != item {
			fc.faces[face] = &Facade{Item: item}
			changed = true
		}
	}
	return changed, nil
}
