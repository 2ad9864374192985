package region

import (
	"fmt"
	"path/filepath"
)

// Coord identifies a region by its integer (rx, rz) pair.
type Coord struct {
	RX, RZ int
}

// FromChunk derives the region coordinate owning global chunk (cx, cz),
// following the same floor-division-toward-negative-infinity rule as the
// grounding reference for this framing (other_examples' discopanel
// world-region.go RegionCoord).
func FromChunk(cx, cz int) Coord {
	rx := cx >> 5
	rz := cz >> 5
	return Coord{RX: rx, RZ: rz}
}

// Path returns the LRF file path for coordinate c within dir.
func (c Coord) Path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("r.%d.%d.lrf", c.RX, c.RZ))
}

// LegacyPath returns the legacy-format file path for coordinate c within
// dir, used by the Migrator.
func (c Coord) LegacyPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("r.%d.%d.legacy", c.RX, c.RZ))
}

func (c Coord) String() string {
	return fmt.Sprintf("%d,%d", c.RX, c.RZ)
}
