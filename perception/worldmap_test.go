package perception

import (
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldMap_AccumulateCountsEveryOccurrence(t *testing.T) {
	wm := NewWorldMap(10)
	added := wm.Accumulate(ChannelNavigable, []Cell{{X: 3, Y: 4}, {X: 3, Y: 4}, {X: 0, Y: 9}})

	assert.Equal(t, 3, added)
	assert.Equal(t, uint32(2), wm.At(ChannelNavigable, 3, 4))
	assert.Equal(t, uint32(0), wm.At(ChannelNavigable, 4, 3), "indexing is [y][x]")
	assert.Equal(t, uint32(1), wm.At(ChannelNavigable, 0, 9))
	assert.Equal(t, uint32(0), wm.At(ChannelObstacle, 3, 4), "channels are independent")
}

func TestWorldMap_SkipsOutOfRangeCells(t *testing.T) {
	wm := NewWorldMap(5)
	added := wm.Accumulate(ChannelObstacle, []Cell{{X: -1, Y: 0}, {X: 5, Y: 0}, {X: 0, Y: 5}, {X: 4, Y: 4}})
	assert.Equal(t, 1, added)
	assert.Equal(t, uint64(1), wm.Totals()[ChannelObstacle])
}

func TestWorldMap_Monotonic(t *testing.T) {
	wm := NewWorldMap(8)
	prev := wm.Snapshot()
	for i := 0; i < 20; i++ {
		wm.Accumulate(Channel(i%3), []Cell{{X: i % 8, Y: (i * 3) % 8}})
		next := wm.Snapshot()
		for _, ch := range Channels {
			for j := range next.Channels[ch] {
				if next.Channels[ch][j] < prev.Channels[ch][j] {
					t.Fatalf("channel %s cell %d decreased", ch, j)
				}
			}
		}
		prev = next
	}
}

func TestWorldMap_SaturatesInsteadOfWrapping(t *testing.T) {
	wm := NewWorldMap(4)
	wm.channels[ChannelObstacle].cells[0] = math.MaxUint32 - 1

	added := wm.Accumulate(ChannelObstacle, []Cell{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 0, Y: 0}, {X: 1, Y: 0}})

	assert.Equal(t, 2, added, "only the step to MaxUint32 and the fresh cell count")
	assert.Equal(t, uint32(math.MaxUint32), wm.At(ChannelObstacle, 0, 0))
	assert.Equal(t, uint32(1), wm.At(ChannelObstacle, 1, 0))
}

func TestWorldMap_SnapshotIsDeepCopy(t *testing.T) {
	wm := NewWorldMap(4)
	wm.Accumulate(ChannelTarget, []Cell{{X: 1, Y: 1}})
	snap := wm.Snapshot()
	wm.Accumulate(ChannelTarget, []Cell{{X: 1, Y: 1}})

	assert.Equal(t, uint32(1), snap.At(ChannelTarget, 1, 1))
	assert.Equal(t, uint32(2), wm.At(ChannelTarget, 1, 1))
}

func TestWorldMap_ConcurrentChannels(t *testing.T) {
	wm := NewWorldMap(50)
	cells := make([]Cell, 0, 2500)
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			cells = append(cells, Cell{X: x, Y: y})
		}
	}

	var wg sync.WaitGroup
	for _, ch := range Channels {
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wm.Accumulate(ch, cells)
			}()
		}
	}
	wg.Wait()

	totals := wm.Totals()
	for _, ch := range Channels {
		assert.Equal(t, uint64(4*2500), totals[ch], "channel %s", ch)
	}
}

func TestWorldMap_Stats(t *testing.T) {
	wm := NewWorldMap(10)
	wm.Accumulate(ChannelNavigable, []Cell{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 1, Y: 0}})
	wm.Accumulate(ChannelObstacle, []Cell{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}})
	wm.Accumulate(ChannelTarget, []Cell{{X: 5, Y: 5}})

	stats := wm.Stats()
	assert.Equal(t, 4, stats.Mapped)
	assert.Equal(t, 1, stats.Navigable)
	assert.Equal(t, 1, stats.Targets)
	assert.InDelta(t, 0.04, stats.Fraction, 1e-12)
}

func TestWorldMap_SaveLoadRoundTrip(t *testing.T) {
	wm := NewWorldMap(16)
	wm.Accumulate(ChannelObstacle, []Cell{{X: 1, Y: 2}, {X: 15, Y: 15}})
	wm.Accumulate(ChannelTarget, []Cell{{X: 7, Y: 7}})
	wm.Accumulate(ChannelNavigable, []Cell{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 0, Y: 0}})

	path := filepath.Join(t.TempDir(), "nested", "worldmap.json")
	require.NoError(t, wm.Save(path))

	loaded, err := LoadWorldMap(path)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.Size())
	if diff := cmp.Diff(wm.Snapshot(), loaded.Snapshot()); diff != "" {
		t.Errorf("loaded map mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadWorldMap_Missing(t *testing.T) {
	_, err := LoadWorldMap(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoadWorldMap_RejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.json")
	wm := NewWorldMap(4)
	wm.Accumulate(ChannelTarget, []Cell{{X: 1, Y: 1}})
	require.NoError(t, wm.Save(src))

	data, err := os.ReadFile(src)
	require.NoError(t, err)
	var file worldMapFile
	require.NoError(t, json.Unmarshal(data, &file))

	tests := []struct {
		name    string
		size    int
		wantErr string
	}{
		{"size beyond limit", 1 << 30, "invalid world map size"},
		{"payload larger than declared size", 2, "payload has"},
		{"payload smaller than declared size", 8, "payload has"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file.Size = tt.size
			out, err := json.Marshal(file)
			require.NoError(t, err)
			path := filepath.Join(dir, "edited.json")
			require.NoError(t, os.WriteFile(path, out, 0o644))

			_, err = LoadWorldMap(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
