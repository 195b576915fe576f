package cloud

import (
	"fmt"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

const (
	// DefaultOpacity is the opacity new point buffers start with.
	DefaultOpacity = 0.8
	// DefaultPointSize is the uniform size channel value.
	DefaultPointSize = 1.0
)

// DefaultPointColor is the grey used for clouds without color information
var DefaultPointColor = color.NRGBA{R: 128, G: 128, B: 128, A: 255}

// RenderOptions controls how point sets are turned into buffers
type RenderOptions struct {
	DisplayRange float64
	Multiplier   float64
	PointSize    float64
	Color        color.NRGBA
}

// DefaultRenderOptions returns the display defaults of the viewer
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		DisplayRange: DefaultDisplayRange,
		Multiplier:   DefaultDisplayMultiplier,
		PointSize:    DefaultPointSize,
		Color:        DefaultPointColor,
	}
}

// BuildPointCloud turns a point set into a renderable point buffer.
//
// When ps.Normalize is set, coordinates are fitted into the display range using
// the union min/max of the set and the resulting Frame is kept on the buffer;
// otherwise only the display multiplier is applied. Per-point colors select the
// per-vertex material; otherwise ps.Color (or opts.Color) is the shared color.
func BuildPointCloud(ps PointSet, opacity float64, opts RenderOptions) (*PointsPrimitive, error) {
	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("build point cloud: %w", err)
	}
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return nil, fmt.Errorf("build point cloud: %w: opacity %v outside [0,1]", ErrInvalidInput, opacity)
	}

	var frame Frame
	if ps.Normalize {
		lo, hi := ps.Bounds()
		frame = NormalizedFrame(lo, hi, opts.DisplayRange)
	} else {
		frame = ScaledFrame(opts.Multiplier)
	}

	n := ps.Len()
	p := &PointsPrimitive{
		Positions: make([]r3.Vector, n),
		Opacity:   make([]float64, n),
		Sizes:     make([]float64, n),
		Frame:     frame,
		Baseline:  opacity,
		dirty:     true,
	}
	for i := 0; i < n; i++ {
		p.Positions[i] = r3.Vector{X: frame.Apply(ps.X[i]), Y: frame.Apply(ps.Y[i]), Z: frame.Apply(ps.Z[i])}
		p.Opacity[i] = opacity
		p.Sizes[i] = opts.PointSize
	}

	switch {
	case ps.Colors != nil:
		p.Colors = make([]color.NRGBA, n)
		copy(p.Colors, ps.Colors)
	case ps.Color != nil:
		p.Color = *ps.Color
	default:
		p.Color = opts.Color
	}

	return p, nil
}

// Axis colors, X/Y/Z
var axisColors = [3]color.NRGBA{
	{R: 220, G: 50, B: 47, A: 255},
	{R: 133, G: 153, B: 0, A: 255},
	{R: 38, G: 139, B: 210, A: 255},
}

// BuildAxes creates three axis lines from the origin with `ticks` tick marks on
// each axis. Every tick line gets exactly one text overlay showing its position.
func BuildAxes(length float64, ticks int) ([]*LinePrimitive, []*TextOverlay) {
	units := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	// tick marks point along this axis for each of x, y, z
	across := [3]r3.Vector{{Y: 1}, {X: 1}, {X: 1}}
	tickLen := length / 50

	var lines []*LinePrimitive
	var overlays []*TextOverlay
	for a := 0; a < 3; a++ {
		lines = append(lines, &LinePrimitive{
			From:  r3.Vector{},
			To:    units[a].Mul(length),
			Color: axisColors[a],
		})
		for i := 1; i <= ticks; i++ {
			at := units[a].Mul(length * float64(i) / float64(ticks))
			tick := &LinePrimitive{
				From:  at.Sub(across[a].Mul(tickLen)),
				To:    at.Add(across[a].Mul(tickLen)),
				Color: axisColors[a],
			}
			lines = append(lines, tick)
			overlays = append(overlays, &TextOverlay{
				Text:     fmt.Sprintf("%g", length*float64(i)/float64(ticks)),
				Position: tick.To,
				Visible:  true,
				Tick:     tick,
			})
		}
	}
	return lines, overlays
}

// BuildPlane maps plane parameters given in raw coordinates into the display
// space described by frame and returns a drawable patch of the given size.
func BuildPlane(params PlaneParams, frame Frame, size float64, c color.NRGBA) (*PlanePrimitive, error) {
	if params.A == 0 && params.B == 0 && params.C == 0 {
		return nil, fmt.Errorf("build plane: %w: zero normal", ErrInvalidInput)
	}
	// display = raw*s + t, so a*x + b*y + c*z + d = 0 becomes
	// a*x' + b*y' + c*z' + (d*s - t*(a+b+c)) = 0
	s := frame.Apply(1) - frame.Apply(0)
	t := frame.Apply(0)
	return &PlanePrimitive{
		Plane: PlaneParams{
			A: params.A,
			B: params.B,
			C: params.C,
			D: params.D*s - t*(params.A+params.B+params.C),
		},
		Center: r3.Vector{},
		Size:   size,
		Color:  c,
		dirty:  true,
	}, nil
}
