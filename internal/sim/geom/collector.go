package geom

// BoxCollector gathers the boxes a device or facade contributes to its host.
//
// Devices describe their boxes in pixel units (0..16) in a local frame where +Z
// points out of the face they are mounted on. The collector rotates every box
// into the host frame. Boxes added through a centered collector are kept as-is.
type BoxCollector struct {
	face      Face
	oriented  bool
	collision bool
	out       *[]AABB
}

// NewCenterCollector appends to out without rotation.
func NewCenterCollector(out *[]AABB, collision bool) *BoxCollector {
	return &BoxCollector{out: out, collision: collision}
}

// NewFaceCollector appends to out, rotating the local frame onto face.
func NewFaceCollector(out *[]AABB, face Face, collision bool) *BoxCollector {
	return &BoxCollector{face: face, oriented: true, out: out, collision: collision}
}

// Collision reports whether the boxes are gathered for a collision query rather
// than for selection or occlusion.
func (c *BoxCollector) Collision() bool { return c.collision }

func (c *BoxCollector) AddBox(minX, minY, minZ, maxX, maxY, maxZ float64) {
	a := c.transform(Vec3{X: minX / 16, Y: minY / 16, Z: minZ / 16})
	b := c.transform(Vec3{X: maxX / 16, Y: maxY / 16, Z: maxZ / 16})
	*c.out = append(*c.out, Box(a.X, a.Y, a.Z, b.X, b.Y, b.Z))
}

func (c *BoxCollector) transform(p Vec3) Vec3 {
	if !c.oriented {
		return p
	}
	switch c.face {
	case South:
		return p
	case North:
		return Vec3{X: 1 - p.X, Y: p.Y, Z: 1 - p.Z}
	case East:
		return Vec3{X: p.Z, Y: p.Y, Z: 1 - p.X}
	case West:
		return Vec3{X: 1 - p.Z, Y: p.Y, Z: p.X}
	case Up:
		return Vec3{X: p.X, Y: p.Z, Z: 1 - p.Y}
	default: // Down
		return Vec3{X: p.X, Y: 1 - p.Z, Z: p.Y}
	}
}
