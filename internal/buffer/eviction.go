package buffer

import (
	"sort"
	"time"
)

// EvictionStrategy orders candidate tiles for eviction.
type EvictionStrategy interface {
	SelectTilesForEviction(tiles []TileInfo, targetBytes int64) []int
}

// TileInfo describes one tile's buffer for eviction decisions.
type TileInfo struct {
	TileID       int
	Bytes        int64
	LastBuffered time.Time
	Distance     float64
	seq          uint64
}

// LRUEvictionStrategy evicts least recently buffered tiles first.
type LRUEvictionStrategy struct{}

func (s *LRUEvictionStrategy) SelectTilesForEviction(tiles []TileInfo, targetBytes int64) []int {
	sort.SliceStable(tiles, func(i, j int) bool {
		if tiles[i].seq != tiles[j].seq {
			return tiles[i].seq < tiles[j].seq
		}
		return tiles[i].TileID < tiles[j].TileID
	})
	return takeUntil(tiles, targetBytes)
}

// DistanceEvictionStrategy evicts the tiles farthest from the gaze first,
// falling back to least recently buffered.
type DistanceEvictionStrategy struct{}

func (s *DistanceEvictionStrategy) SelectTilesForEviction(tiles []TileInfo, targetBytes int64) []int {
	sort.SliceStable(tiles, func(i, j int) bool {
		if tiles[i].Distance != tiles[j].Distance {
			return tiles[i].Distance > tiles[j].Distance
		}
		return tiles[i].seq < tiles[j].seq
	})
	return takeUntil(tiles, targetBytes)
}

func takeUntil(tiles []TileInfo, targetBytes int64) []int {
	var selected []int
	var total int64
	for _, t := range tiles {
		if total >= targetBytes {
			break
		}
		if t.Bytes == 0 {
			continue
		}
		selected = append(selected, t.TileID)
		total += t.Bytes
	}
	return selected
}
