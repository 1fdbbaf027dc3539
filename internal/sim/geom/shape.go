package geom

import "math"

// AABB is an axis-aligned box in block-local coordinates (one block spans 0..1).
type AABB struct {
	Min Vec3
	Max Vec3
}

func Box(minX, minY, minZ, maxX, maxY, maxZ float64) AABB {
	return AABB{
		Min: Vec3{X: math.Min(minX, maxX), Y: math.Min(minY, maxY), Z: math.Min(minZ, maxZ)},
		Max: Vec3{X: math.Max(minX, maxX), Y: math.Max(minY, maxY), Z: math.Max(minZ, maxZ)},
	}
}

func (b AABB) Inflate(d float64) AABB {
	return AABB{
		Min: Vec3{X: b.Min.X - d, Y: b.Min.Y - d, Z: b.Min.Z - d},
		Max: Vec3{X: b.Max.X + d, Y: b.Max.Y + d, Z: b.Max.Z + d},
	}
}

// Contains uses half-open bounds on every axis.
func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X < b.Max.X &&
		p.Y >= b.Min.Y && p.Y < b.Max.Y &&
		p.Z >= b.Min.Z && p.Z < b.Max.Z
}

func (b AABB) Union(o AABB) AABB {
	return AABB{
		Min: Vec3{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: Vec3{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// Shape is an immutable union of boxes. The zero value is the empty shape.
type Shape struct {
	boxes []AABB
}

func NewShape(boxes []AABB) Shape {
	if len(boxes) == 0 {
		return Shape{}
	}
	cp := make([]AABB, len(boxes))
	copy(cp, boxes)
	return Shape{boxes: cp}
}

func (s Shape) Len() int      { return len(s.boxes) }
func (s Shape) Empty() bool   { return len(s.boxes) == 0 }
func (s Shape) Boxes() []AABB { return append([]AABB(nil), s.boxes...) }

func (s Shape) Contains(p Vec3) bool {
	for _, b := range s.boxes {
		if b.Contains(p) {
			return true
		}
	}
	return false
}

// Bounds returns the enclosing box; ok is false for the empty shape.
func (s Shape) Bounds() (AABB, bool) {
	if len(s.boxes) == 0 {
		return AABB{}, false
	}
	out := s.boxes[0]
	for _, b := range s.boxes[1:] {
		out = out.Union(b)
	}
	return out, true
}
