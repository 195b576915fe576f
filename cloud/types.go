package cloud

import (
	"encoding/json"
	"fmt"
	"image/color"
	"math"
)

// PointSet is a named collection of points in original (file) coordinates.
// X, Y and Z always have the same length; index i across the three identifies one point.
type PointSet struct {
	Name string    `json:"-"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
	Z    []float64 `json:"z"`

	// Color is the shared color. Mutually exclusive with Colors.
	Color *color.NRGBA `json:"-"`
	// Colors holds one color per point. Mutually exclusive with Color.
	Colors []color.NRGBA `json:"-"`

	// Normalize is set only on first ingestion of freshly parsed data.
	Normalize bool `json:"-"`
}

// NewPointSet creates an empty point set with capacity for n points
func NewPointSet(name string, n int) PointSet {
	return PointSet{
		Name: name,
		X:    make([]float64, 0, n),
		Y:    make([]float64, 0, n),
		Z:    make([]float64, 0, n),
	}
}

// Len returns the number of points
func (ps PointSet) Len() int {
	return len(ps.X)
}

// Append adds one point
func (ps *PointSet) Append(x, y, z float64) {
	ps.X = append(ps.X, x)
	ps.Y = append(ps.Y, y)
	ps.Z = append(ps.Z, z)
}

// Validate checks the shape invariants of the point set.
func (ps PointSet) Validate() error {
	n := len(ps.X)
	if len(ps.Y) != n || len(ps.Z) != n {
		return fmt.Errorf("%w: coordinate lengths differ (x=%d y=%d z=%d)", ErrInvalidInput, n, len(ps.Y), len(ps.Z))
	}
	if ps.Color != nil && ps.Colors != nil {
		return fmt.Errorf("%w: both shared and per-point colors given", ErrInvalidInput)
	}
	if ps.Colors != nil && len(ps.Colors) != n {
		return fmt.Errorf("%w: %d colors for %d points", ErrInvalidInput, len(ps.Colors), n)
	}
	return nil
}

// Bounds returns the global minimum and maximum across the union of x, y and z.
// An empty set reports (0, 0).
func (ps PointSet) Bounds() (float64, float64) {
	if ps.Len() == 0 {
		return 0, 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, axis := range [][]float64{ps.X, ps.Y, ps.Z} {
		for _, v := range axis {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	return lo, hi
}

// MarshalJSON always emits arrays, never null, so an empty selection encodes as
// {"x":[],"y":[],"z":[]}.
func (ps PointSet) MarshalJSON() ([]byte, error) {
	type wire struct {
		X []float64 `json:"x"`
		Y []float64 `json:"y"`
		Z []float64 `json:"z"`
	}
	w := wire{X: ps.X, Y: ps.Y, Z: ps.Z}
	if w.X == nil {
		w.X = []float64{}
	}
	if w.Y == nil {
		w.Y = []float64{}
	}
	if w.Z == nil {
		w.Z = []float64{}
	}
	return json.Marshal(w)
}

// Kind is the geometry kind of a scene object
type Kind int

const (
	KindPoints Kind = iota
	KindLine
	KindPlane
)

func (k Kind) String() string {
	switch k {
	case KindPoints:
		return "points"
	case KindLine:
		return "line"
	case KindPlane:
		return "plane"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Label is the key of an object in the geometry store.
type Label string

const (
	// LabelScanned holds the cloud loaded from a file
	LabelScanned Label = "scanned-points"
	// LabelAxes holds the coordinate axes; it is persistent
	LabelAxes Label = "axes"
)

// CandidateLabel returns the label for candidate i of a completion job
func CandidateLabel(token string, i int) Label {
	return Label(fmt.Sprintf("completed-points-%s-%d", token, i))
}

// PlaneLabel returns the label for symmetry plane i of a completion job
func PlaneLabel(token string, i int) Label {
	return Label(fmt.Sprintf("symmetry-plane-%s-%d", token, i))
}

// PlaneParams describes the plane A*x + B*y + C*z + D = 0 in original coordinates.
type PlaneParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
}

// UnmarshalJSON accepts both [a,b,c,d] and {"a":..} encodings.
func (p *PlaneParams) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return fmt.Errorf("plane params: want 4 values, got %d", len(arr))
		}
		*p = PlaneParams{A: arr[0], B: arr[1], C: arr[2], D: arr[3]}
		return nil
	}
	type plain PlaneParams
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("plane params: %w", err)
	}
	*p = PlaneParams(v)
	return nil
}

// ResultSet is one candidate returned by a completion job
type ResultSet struct {
	Label  Label        `json:"label"`
	Points PointSet     `json:"-"`
	Count  int          `json:"points"`
	Plane  *PlaneParams `json:"plane,omitempty"`
}

// ParseHexColor parses "#RRGGBB" (or "RRGGBB") into an opaque color.
func ParseHexColor(hex string) (color.NRGBA, error) {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("%w: color %q is not #RRGGBB", ErrInvalidInput, hex)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: color %q: %v", ErrInvalidInput, hex, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// HexColor formats a color as "#RRGGBB"
func HexColor(c color.NRGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}
