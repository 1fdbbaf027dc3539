package geom

import (
	"fmt"
	"strings"
)

// Face is one of the six cardinal directions of a block position.
type Face uint8

const (
	Down Face = iota
	Up
	North
	South
	West
	East
)

// Faces lists every face in the fixed enumeration order.
var Faces = [6]Face{Down, Up, North, South, West, East}

var faceNames = [6]string{"down", "up", "north", "south", "west", "east"}

func (f Face) String() string {
	if int(f) < len(faceNames) {
		return faceNames[f]
	}
	return fmt.Sprintf("face(%d)", uint8(f))
}

func (f Face) Valid() bool { return f <= East }

func (f Face) Opposite() Face {
	switch f {
	case Down:
		return Up
	case Up:
		return Down
	case North:
		return South
	case South:
		return North
	case West:
		return East
	default:
		return West
	}
}

// Offset returns the unit step toward the neighbor on this face.
func (f Face) Offset() Vec3i {
	switch f {
	case Down:
		return Vec3i{Y: -1}
	case Up:
		return Vec3i{Y: 1}
	case North:
		return Vec3i{Z: -1}
	case South:
		return Vec3i{Z: 1}
	case West:
		return Vec3i{X: -1}
	default:
		return Vec3i{X: 1}
	}
}

func ParseFace(s string) (Face, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range faceNames {
		if n == s {
			return Face(i), nil
		}
	}
	return 0, fmt.Errorf("unknown face %q", s)
}

// FaceSet is a bitmask of faces.
type FaceSet uint8

const AllFaces FaceSet = 1<<6 - 1

func FaceSetOf(faces ...Face) FaceSet {
	var s FaceSet
	for _, f := range faces {
		s = s.With(f)
	}
	return s
}

func (s FaceSet) Has(f Face) bool        { return s&(1<<f) != 0 }
func (s FaceSet) With(f Face) FaceSet    { return s | 1<<f }
func (s FaceSet) Without(f Face) FaceSet { return s &^ (1 << f) }
func (s FaceSet) Empty() bool            { return s&AllFaces == 0 }

// List returns the members in enumeration order.
func (s FaceSet) List() []Face {
	out := make([]Face, 0, 6)
	for _, f := range Faces {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FaceSet) String() string {
	parts := make([]string, 0, 6)
	for _, f := range s.List() {
		parts = append(parts, f.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
