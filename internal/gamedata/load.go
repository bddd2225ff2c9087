package gamedata

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type fileFormat struct {
	Worlds          map[string]string `json:"worlds"`
	DataCenters     []DataCenter      `json:"data_centers"`
	MarketableItems []int             `json:"marketable_items"`
}

// LoadFile reads a static game-data table from a JSON file.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game data: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode game data: %w", err)
	}

	st := &Static{
		Worlds:     make(map[int]string, len(f.Worlds)),
		Dcs:        f.DataCenters,
		Marketable: make(map[int]struct{}, len(f.MarketableItems)),
	}
	for idStr, name := range f.Worlds {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid world id %q", idStr)
		}
		st.Worlds[id] = name
	}
	for _, itemID := range f.MarketableItems {
		st.Marketable[itemID] = struct{}{}
	}
	return st, nil
}
