package types

import (
	"fmt"
	"strings"
)

// Resolution represents supported delivery resolutions
type Resolution int

const (
	// Res512 represents 512x512 (square preview)
	Res512 Resolution = iota
	// Res1024 represents 1024x1024 (square, native generator size)
	Res1024
	// Res1080p represents 1920x1080 resolution (Full HD)
	Res1080p
)

// Dimensions returns the width and height for the resolution
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res512:
		return 512, 512
	case Res1024:
		return 1024, 1024
	case Res1080p:
		return 1920, 1080
	default:
		return 1920, 1080
	}
}

// String returns a human-readable string representation of the resolution
func (r Resolution) String() string {
	switch r {
	case Res512:
		return "512"
	case Res1024:
		return "1024"
	case Res1080p:
		return "1080p"
	default:
		return "1080p"
	}
}

// Size returns the "WxH" form the encoder expects.
func (r Resolution) Size() string {
	w, h := r.Dimensions()
	return fmt.Sprintf("%dx%d", w, h)
}

// ParseResolution accepts "512", "1024", "1080p" (and "1920x1080" style
// aliases of the same three targets).
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "512", "512x512":
		return Res512, nil
	case "1024", "1024x1024":
		return Res1024, nil
	case "1080", "1080p", "1920x1080":
		return Res1080p, nil
	default:
		return 0, fmt.Errorf("unsupported resolution %q (must be 512, 1024 or 1080p)", s)
	}
}

// Mapping converts frames rendered at a working resolution into a delivery
// resolution: crop CropX pixels from each side of the width axis, then
// resize to Target.
type Mapping struct {
	Name          string
	WorkingWidth  int
	WorkingHeight int
	CropX         int
	Target        Resolution
}

// CroppedWidth returns the width left after the symmetric crop.
func (m Mapping) CroppedWidth() int { return m.WorkingWidth - 2*m.CropX }

// MappingTable is keyed off the frame width. Frames whose width has no entry
// pass through unchanged.
type MappingTable map[int]Mapping

// DefaultMappings holds the single working→delivery conversion the renderer
// ships with: a 2048x1024 ultrawide render cropped to 16:9 and scaled to
// 1920x1080.
func DefaultMappings() MappingTable {
	return MappingTable{
		2048: {
			Name:          "ultrawide-2048-to-1080p",
			WorkingWidth:  2048,
			WorkingHeight: 1024,
			CropX:         112,
			Target:        Res1080p,
		},
	}
}

// Lookup returns the mapping for a frame width.
func (t MappingTable) Lookup(width int) (Mapping, bool) {
	m, ok := t[width]
	return m, ok
}

// Validate rejects mappings whose crop leaves nothing or whose key does not
// match the working width.
func (t MappingTable) Validate() error {
	for w, m := range t {
		if w != m.WorkingWidth {
			return fmt.Errorf("mapping %q keyed by width %d but declares working width %d", m.Name, w, m.WorkingWidth)
		}
		if m.CropX < 0 || m.CroppedWidth() <= 0 || m.WorkingHeight <= 0 {
			return fmt.Errorf("mapping %q: invalid crop %d for %dx%d", m.Name, m.CropX, m.WorkingWidth, m.WorkingHeight)
		}
	}
	return nil
}
