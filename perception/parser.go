package perception

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ParseFrameFile reads and decodes a recorded frame (PNG with a pose chunk,
// or a JSON envelope).
func ParseFrameFile(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// ListFrameFiles returns the recorded frames in dir (frame-*.png and
// frame-*.json) in lexical order, which is capture order for zero-padded
// sequence numbers.
func ListFrameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "frame-") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".png", ".json":
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FrameSummary provides a summary of a decoded frame
type FrameSummary struct {
	Width  int
	Height int
	Pose   Pose
}

// SummarizeFrame reports a frame's size and pose for logging. A frame
// without an image has zero size.
func SummarizeFrame(f *Frame) FrameSummary {
	s := FrameSummary{Pose: f.Pose}
	if f.Image != nil {
		b := f.Image.Bounds()
		s.Width, s.Height = b.Dx(), b.Dy()
	}
	return s
}
