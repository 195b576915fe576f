package cloud

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha.
// The canvas library expects premultiplied RGBA.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

// withOpacity replaces the alpha channel of c
func withOpacity(c color.NRGBA, opacity float64) color.NRGBA {
	c.A = uint8(math.Round(math.Max(0, math.Min(1, opacity)) * 255))
	return c
}

// Camera is an orthographic view direction, in degrees
type Camera struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// DefaultCamera looks at the origin slightly from above and to the side
var DefaultCamera = Camera{Yaw: 30, Pitch: 20}

// project rotates v by yaw about Y then by pitch about X. The returned X/Y
// are screen coordinates (Y up) and Z is depth, larger being nearer.
func (c Camera) project(v r3.Vector) r3.Vector {
	yaw := c.Yaw * math.Pi / 180
	pitch := c.Pitch * math.Pi / 180

	x := v.X*math.Cos(yaw) + v.Z*math.Sin(yaw)
	z := -v.X*math.Sin(yaw) + v.Z*math.Cos(yaw)
	y := v.Y*math.Cos(pitch) - z*math.Sin(pitch)
	z = v.Y*math.Sin(pitch) + z*math.Cos(pitch)
	return r3.Vector{X: x, Y: y, Z: z}
}

// Snapshot renders the active scene graph of a store to SVG or PNG
type Snapshot struct {
	Width      float64 // canvas width in millimeters
	Height     float64 // canvas height in millimeters
	Padding    float64 // millimeters
	PointSize  float64 // point radius in millimeters at size 1
	Camera     Camera
	Resolution canvas.Resolution // PNG resolution
	Background color.NRGBA
	Labels     bool // draw axis tick labels (PNG only)
}

// NewSnapshot returns a renderer with default settings
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Width:      200,
		Height:     150,
		Padding:    8,
		PointSize:  0.4,
		Camera:     DefaultCamera,
		Resolution: canvas.DPMM(4),
		Background: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		Labels:     true,
	}
}

// canvasRenderer is implemented by both the svg and the rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes the visible scene as SVG
func (s *Snapshot) RenderSVG(w io.Writer, store *Store) error {
	svgRenderer := svg.New(w, s.Width, s.Height, nil)
	view := s.viewport(store)
	s.render(svgRenderer, store, view)
	if err := svgRenderer.Close(); err != nil {
		return fmt.Errorf("render svg: %w", err)
	}
	return nil
}

// RenderPNG writes the visible scene as PNG
func (s *Snapshot) RenderPNG(w io.Writer, store *Store) error {
	rast := rasterizer.New(s.Width, s.Height, s.Resolution, canvas.DefaultColorSpace)
	view := s.viewport(store)
	s.render(rast, store, view)

	if s.Labels {
		s.drawLabels(rast, store, view)
	}
	if err := png.Encode(w, rast); err != nil {
		return fmt.Errorf("render png: %w", err)
	}
	return nil
}

// viewport maps projected scene coordinates onto the canvas
type viewport struct {
	bound  orb.Bound
	scale  float64
	offX   float64
	offY   float64
	camera Camera
}

func (v viewport) toCanvas(p r3.Vector) (float64, float64, float64) {
	q := v.camera.project(p)
	return (q.X-v.bound.Min[0])*v.scale + v.offX, (q.Y-v.bound.Min[1])*v.scale + v.offY, q.Z
}

// viewport fits the projected bounds of every active handle into the canvas,
// keeping the aspect ratio. An empty scene gets a unit view around the origin.
func (s *Snapshot) viewport(store *Store) viewport {
	var bound orb.Bound
	first := true
	extend := func(p r3.Vector) {
		q := s.Camera.project(p)
		pt := orb.Point{q.X, q.Y}
		if first {
			bound = orb.Bound{Min: pt, Max: pt}
			first = false
			return
		}
		bound = bound.Extend(pt)
	}

	for _, h := range store.Active() {
		switch p := h.(type) {
		case *PointsPrimitive:
			for _, pos := range p.Positions {
				extend(pos)
			}
		case *LinePrimitive:
			extend(p.From)
			extend(p.To)
		case *PlanePrimitive:
			for _, c := range p.Corners() {
				extend(c)
			}
		}
	}
	if first {
		bound = orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	}

	w := math.Max(bound.Right()-bound.Left(), 1e-9)
	h := math.Max(bound.Top()-bound.Bottom(), 1e-9)
	availW := s.Width - 2*s.Padding
	availH := s.Height - 2*s.Padding
	scale := math.Min(availW/w, availH/h)

	return viewport{
		bound:  bound,
		scale:  scale,
		offX:   s.Padding + (availW-w*scale)/2,
		offY:   s.Padding + (availH-h*scale)/2,
		camera: s.Camera,
	}
}

// render draws background, planes, lines and points back to front and marks
// every drawn handle clean.
func (s *Snapshot) render(r canvasRenderer, store *Store, v viewport) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: nrgbaToRGBA(s.Background)}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	r.RenderPath(canvas.Rectangle(s.Width, s.Height), bg, canvas.Identity)

	active := store.Active()

	for _, h := range active {
		p, ok := h.(*PlanePrimitive)
		if !ok {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(withOpacity(p.Color, 0.3))}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(p.Color)}
		style.StrokeWidth = 0.2

		path := &canvas.Path{}
		for i, c := range p.Corners() {
			x, y, _ := v.toCanvas(c)
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		path.Close()
		r.RenderPath(path, style, canvas.Identity)
	}

	for _, h := range active {
		l, ok := h.(*LinePrimitive)
		if !ok {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(l.Color)}
		style.StrokeWidth = 0.3

		x1, y1, _ := v.toCanvas(l.From)
		x2, y2, _ := v.toCanvas(l.To)
		path := &canvas.Path{}
		path.MoveTo(x1, y1)
		path.LineTo(x2, y2)
		r.RenderPath(path, style, canvas.Identity)
	}

	type dot struct {
		x, y, depth float64
		radius      float64
		color       color.NRGBA
	}
	var dots []dot
	for _, h := range active {
		p, ok := h.(*PointsPrimitive)
		if !ok {
			continue
		}
		for i, pos := range p.Positions {
			x, y, depth := v.toCanvas(pos)
			dots = append(dots, dot{
				x:      x,
				y:      y,
				depth:  depth,
				radius: s.PointSize * p.Sizes[i],
				color:  withOpacity(p.ColorAt(i), p.Opacity[i]),
			})
		}
	}
	sort.SliceStable(dots, func(a, b int) bool { return dots[a].depth < dots[b].depth })

	style := canvas.DefaultStyle
	style.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, d := range dots {
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(d.color)}
		r.RenderPath(canvas.Circle(d.radius).Translate(d.x, d.y), style, canvas.Identity)
	}

	for _, h := range active {
		h.MarkClean()
	}
}

// drawLabels writes the visible overlay texts onto the raster image. Canvas
// coordinates are millimeters with Y up; the image is pixels with Y down.
func (s *Snapshot) drawLabels(img *rasterizer.Rasterizer, store *Store, v viewport) {
	dpmm := s.Resolution.DPMM()
	height := img.Bounds().Dy()
	for _, o := range store.Overlays() {
		x, y, _ := v.toCanvas(o.Position)
		px := int(math.Round(x*dpmm)) + 3
		py := height - int(math.Round(y*dpmm)) - 3
		drawText(img, px, py, o.Text, color.RGBA{A: 255})
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *rasterizer.Rasterizer, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
