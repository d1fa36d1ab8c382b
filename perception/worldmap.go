package perception

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// WorldMap is the persistent world-fixed evidence grid. Each channel holds a
// size x size grid of uint32 counters indexed [y][x]. Counters only increase
// and saturate at math.MaxUint32.
// Channels are guarded independently so the three evidence streams can be
// accumulated concurrently.
type WorldMap struct {
	size     int
	channels [len(Channels)]worldChannel
}

type worldChannel struct {
	mu    sync.RWMutex
	cells []uint32 // row-major, y*size + x
}

// NewWorldMap allocates a zeroed map. Allocate once per mission.
func NewWorldMap(size int) *WorldMap {
	wm := &WorldMap{size: size}
	for i := range wm.channels {
		wm.channels[i].cells = make([]uint32, size*size)
	}
	return wm
}

// Size returns the number of cells per side.
func (wm *WorldMap) Size() int { return wm.size }

// Accumulate adds one unit of evidence to ch for every cell occurrence.
// Duplicates are counted each time. Cells outside the grid are skipped and
// saturated cells stay at math.MaxUint32. It returns the number of
// increments applied.
func (wm *WorldMap) Accumulate(ch Channel, cells []Cell) int {
	c := &wm.channels[ch]
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, cell := range cells {
		if cell.X < 0 || cell.Y < 0 || cell.X >= wm.size || cell.Y >= wm.size {
			continue
		}
		i := cell.Y*wm.size + cell.X
		if c.cells[i] == math.MaxUint32 {
			continue
		}
		c.cells[i]++
		added++
	}
	return added
}

// At returns the evidence count for ch at column x, row y.
func (wm *WorldMap) At(ch Channel, x, y int) uint32 {
	c := &wm.channels[ch]
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cells[y*wm.size+x]
}

// WorldMapSnapshot is a point-in-time copy of a WorldMap for readers.
type WorldMapSnapshot struct {
	Size     int
	Channels [len(Channels)][]uint32
}

// At returns the evidence count for ch at column x, row y.
func (s WorldMapSnapshot) At(ch Channel, x, y int) uint32 {
	return s.Channels[ch][y*s.Size+x]
}

// Snapshot deep-copies every channel.
func (wm *WorldMap) Snapshot() WorldMapSnapshot {
	s := WorldMapSnapshot{Size: wm.size}
	for i := range wm.channels {
		c := &wm.channels[i]
		c.mu.RLock()
		s.Channels[i] = append([]uint32(nil), c.cells...)
		c.mu.RUnlock()
	}
	return s
}

// Totals returns the summed evidence per channel.
func (wm *WorldMap) Totals() [len(Channels)]uint64 {
	var out [len(Channels)]uint64
	for i := range wm.channels {
		c := &wm.channels[i]
		c.mu.RLock()
		for _, v := range c.cells {
			out[i] += uint64(v)
		}
		c.mu.RUnlock()
	}
	return out
}

// MapStats is the coverage readout of a world map.
type MapStats struct {
	Mapped    int     `json:"mapped"`    // cells with any evidence
	Navigable int     `json:"navigable"` // cells where navigable evidence outweighs obstacle evidence
	Targets   int     `json:"targets"`   // cells with target evidence
	Fraction  float64 `json:"fraction"`  // Mapped / size²
}

// Stats computes coverage statistics from a consistent snapshot.
func (wm *WorldMap) Stats() MapStats {
	return wm.Snapshot().Stats()
}

// Stats computes coverage statistics for the snapshot.
func (s WorldMapSnapshot) Stats() MapStats {
	var st MapStats
	obs := s.Channels[ChannelObstacle]
	tgt := s.Channels[ChannelTarget]
	nav := s.Channels[ChannelNavigable]
	for i := range nav {
		if obs[i] > 0 || tgt[i] > 0 || nav[i] > 0 {
			st.Mapped++
		}
		if nav[i] > obs[i] {
			st.Navigable++
		}
		if tgt[i] > 0 {
			st.Targets++
		}
	}
	if s.Size > 0 {
		st.Fraction = float64(st.Mapped) / float64(s.Size*s.Size)
	}
	return st
}

// worldMapFile is the on-disk form. Channel payloads are zlib-compressed
// little-endian uint32 grids, keyed by channel name.
type worldMapFile struct {
	Version  int               `json:"version"`
	Size     int               `json:"size"`
	Channels map[string][]byte `json:"channels"`
}

const (
	worldMapFileVersion = 1
	// maxWorldMapSize bounds the grid a cache file may declare.
	maxWorldMapSize = 1 << 13
)

// Save writes the map to path as JSON so a mission can be resumed.
func (wm *WorldMap) Save(path string) error {
	snap := wm.Snapshot()
	file := worldMapFile{
		Version:  worldMapFileVersion,
		Size:     snap.Size,
		Channels: make(map[string][]byte, len(Channels)),
	}
	for _, ch := range Channels {
		payload, err := deflateCells(snap.Channels[ch])
		if err != nil {
			return fmt.Errorf("compress %s channel: %w", ch, err)
		}
		file.Channels[ch.String()] = payload
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal world map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create world map directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write world map: %w", err)
	}
	return nil
}

// LoadWorldMap reads a map written by Save.
func LoadWorldMap(path string) (*WorldMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world map: %w", err)
	}
	var file worldMapFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal world map: %w", err)
	}
	if file.Version != worldMapFileVersion {
		return nil, fmt.Errorf("unsupported world map version %d", file.Version)
	}
	if file.Size <= 0 || file.Size > maxWorldMapSize {
		return nil, fmt.Errorf("invalid world map size %d", file.Size)
	}

	wm := &WorldMap{size: file.Size}
	for _, ch := range Channels {
		payload, ok := file.Channels[ch.String()]
		if !ok {
			return nil, fmt.Errorf("world map missing %s channel", ch)
		}
		cells, err := inflateCells(payload, file.Size*file.Size)
		if err != nil {
			return nil, fmt.Errorf("decode %s channel: %w", ch, err)
		}
		wm.channels[ch].cells = cells
	}
	return wm, nil
}

func deflateCells(cells []uint32) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if err := binary.Write(w, binary.LittleEndian, cells); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflateCells decodes exactly n counters. The decompressed stream is read at
// most one byte past n*4, so an oversized payload is rejected before it is
// held in memory.
func inflateCells(payload []byte, n int) ([]uint32, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(io.LimitReader(zr, int64(n)*4+1))
	if err != nil {
		return nil, err
	}
	if len(raw) != n*4 {
		return nil, fmt.Errorf("payload has %d bytes, want %d", len(raw), n*4)
	}
	cells := make([]uint32, n)
	for i := range cells {
		cells[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return cells, nil
}
