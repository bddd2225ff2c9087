// Package scope models the three aggregation granularities of a query:
// a single world, a data center (group of worlds), or a region (group of
// data centers). Exactly one case is ever populated.
package scope

import "strconv"

// Kind discriminates the scope variant.
type Kind int

const (
	KindWorld Kind = iota
	KindDataCenter
	KindRegion
)

// Scope is a closed tagged union over world/data-center/region.
// Construct values with World, DataCenter, or Region.
type Scope struct {
	kind    Kind
	worldID int
	name    string
}

// World returns a world-scoped Scope.
func World(worldID int) Scope {
	return Scope{kind: KindWorld, worldID: worldID}
}

// DataCenter returns a data-center-scoped Scope.
func DataCenter(name string) Scope {
	return Scope{kind: KindDataCenter, name: name}
}

// Region returns a region-scoped Scope.
func Region(name string) Scope {
	return Scope{kind: KindRegion, name: name}
}

func (s Scope) Kind() Kind    { return s.kind }
func (s Scope) IsWorld() bool { return s.kind == KindWorld }
func (s Scope) IsDc() bool    { return s.kind == KindDataCenter }
func (s Scope) IsRegion() bool {
	return s.kind == KindRegion
}

// WorldID returns the world id and whether this is a world scope.
func (s Scope) WorldID() (int, bool) {
	return s.worldID, s.kind == KindWorld
}

// Name returns the dc or region name; empty for world scopes.
func (s Scope) Name() string { return s.name }

// Key is the cache scope key: the world id rendered as a decimal string, or
// the dc/region name. All scope-keyed cache families share this shape.
func (s Scope) Key() string {
	if s.kind == KindWorld {
		return strconv.Itoa(s.worldID)
	}
	return s.name
}
