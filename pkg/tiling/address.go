// Package tiling maps extents of a coordinate reference system onto a quad-tree of
// tiles addressed by (level, x, y) and converts between tile-local normalised
// coordinates and map units.
package tiling

import (
	"fmt"
)

// Address identifies one quad-tree cell. Level 0 is the root; x grows eastwards
// and y grows northwards from the scheme origin.
type Address struct {
	Level int
	X     int
	Y     int
}

// Root is the level-0 tile of a single-root scheme.
var Root = Address{}

// String returns "level/x/y".
func (a Address) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Level, a.X, a.Y)
}

// ParseAddress parses the "level/x/y" form produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &a.Level, &a.X, &a.Y); err != nil {
		return Address{}, fmt.Errorf("parsing tile address %q: %w", s, err)
	}
	if a.Level < 0 || a.X < 0 || a.Y < 0 {
		return Address{}, fmt.Errorf("parsing tile address %q: negative component", s)
	}
	return a, nil
}

// Parent returns the enclosing tile one level up. Root tiles have no parent.
func (a Address) Parent() (Address, bool) {
	if a.Level == 0 {
		return Address{}, false
	}
	return Address{Level: a.Level - 1, X: a.X >> 1, Y: a.Y >> 1}, true
}

// Children returns the four tiles one level down in SW, SE, NW, NE order.
func (a Address) Children() [4]Address {
	l, x, y := a.Level+1, a.X<<1, a.Y<<1
	return [4]Address{
		{Level: l, X: x, Y: y},
		{Level: l, X: x + 1, Y: y},
		{Level: l, X: x, Y: y + 1},
		{Level: l, X: x + 1, Y: y + 1},
	}
}

// Ancestor returns the tile at the given shallower level that contains a.
func (a Address) Ancestor(level int) (Address, bool) {
	if level < 0 || level > a.Level {
		return Address{}, false
	}
	shift := uint(a.Level - level)
	return Address{Level: level, X: a.X >> shift, Y: a.Y >> shift}, true
}

// IsDescendantOf reports whether a lies in the subtree rooted at root.
// A tile is a descendant of itself.
func (a Address) IsDescendantOf(root Address) bool {
	anc, ok := a.Ancestor(root.Level)
	return ok && anc == root
}
