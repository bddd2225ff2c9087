// Package gamedata holds the contracts for static game data that the engine
// consumes but does not own: world tables, data-center groupings, and the
// marketable-item set. A static table implementation is provided for wiring
// and tests; production deployments load the tables from game data dumps.
package gamedata

// DataCenter is a fixed group of worlds sharing a regional market.
type DataCenter struct {
	Name     string `json:"name"`
	Region   string `json:"region"`
	WorldIDs []int  `json:"world_ids"`
}

// GameData provides world/data-center tables and the marketable-item set.
type GameData interface {
	// AvailableWorlds maps world ids to world names.
	AvailableWorlds() map[int]string

	// DataCenters returns all data centers with their member worlds.
	DataCenters() []DataCenter

	// IsMarketable reports whether the item can appear on the market board.
	IsMarketable(itemID int) bool
}

// Static is a GameData backed by fixed tables.
type Static struct {
	Worlds     map[int]string
	Dcs        []DataCenter
	Marketable map[int]struct{}
}

func (s *Static) AvailableWorlds() map[int]string { return s.Worlds }

func (s *Static) DataCenters() []DataCenter { return s.Dcs }

func (s *Static) IsMarketable(itemID int) bool {
	_, ok := s.Marketable[itemID]
	return ok
}

// WorldToDcRegion resolves a world id to its owning data-center and region
// names. Pure lookup over the loaded tables.
type WorldToDcRegion struct {
	worldToDc map[int]DataCenter
}

// NewWorldToDcRegion builds the lookup table from the provided game data.
func NewWorldToDcRegion(gd GameData) *WorldToDcRegion {
	worldToDc := make(map[int]DataCenter)
	for _, dc := range gd.DataCenters() {
		for _, worldID := range dc.WorldIDs {
			worldToDc[worldID] = dc
		}
	}
	return &WorldToDcRegion{worldToDc: worldToDc}
}

// Get returns the dc and region names for a world id. ok is false for
// unknown worlds; callers must treat the scope as absent rather than writing
// mis-scoped cache entries.
func (w *WorldToDcRegion) Get(worldID int) (dc, region string, ok bool) {
	d, ok := w.worldToDc[worldID]
	if !ok {
		return "", "", false
	}
	return d.Name, d.Region, true
}
