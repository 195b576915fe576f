package cloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// Primitive is one renderable handle owned by a scene object.
// Implementations: *PointsPrimitive, *LinePrimitive, *PlanePrimitive.
type Primitive interface {
	Kind() Kind
	// Dirty reports whether the material changed since the last frame
	Dirty() bool
	// MarkClean is called by renderers after drawing
	MarkClean()
	setColor(c color.NRGBA)
}

// PointsPrimitive is a point buffer: positions in display space, a per-point
// opacity channel, a uniform size channel and either per-vertex colors or one
// shared color.
type PointsPrimitive struct {
	Positions []r3.Vector
	Opacity   []float64
	Sizes     []float64
	Colors    []color.NRGBA
	Color     color.NRGBA

	// Frame maps raw coordinates to Positions and back.
	Frame Frame
	// Baseline is the opacity the buffer was created with.
	Baseline float64

	dirty bool
}

// Kind implements Primitive
func (p *PointsPrimitive) Kind() Kind { return KindPoints }

// Dirty implements Primitive
func (p *PointsPrimitive) Dirty() bool { return p.dirty }

// MarkClean implements Primitive
func (p *PointsPrimitive) MarkClean() { p.dirty = false }

func (p *PointsPrimitive) setColor(c color.NRGBA) {
	if p.Colors != nil {
		for i := range p.Colors {
			p.Colors[i] = c
		}
	} else {
		p.Color = c
	}
	p.dirty = true
}

// Len returns the number of points in the buffer
func (p *PointsPrimitive) Len() int { return len(p.Positions) }

// PerVertexColor reports whether the buffer uses the per-vertex color material
func (p *PointsPrimitive) PerVertexColor() bool { return p.Colors != nil }

// ColorAt returns the color of point i
func (p *PointsPrimitive) ColorAt(i int) color.NRGBA {
	if p.Colors != nil {
		return p.Colors[i]
	}
	return p.Color
}

// LinePrimitive is a single segment in display space
type LinePrimitive struct {
	From, To r3.Vector
	Color    color.NRGBA

	dirty bool
}

// Kind implements Primitive
func (l *LinePrimitive) Kind() Kind { return KindLine }

// Dirty implements Primitive
func (l *LinePrimitive) Dirty() bool { return l.dirty }

// MarkClean implements Primitive
func (l *LinePrimitive) MarkClean() { l.dirty = false }

func (l *LinePrimitive) setColor(c color.NRGBA) {
	l.Color = c
	l.dirty = true
}

// PlanePrimitive is a square patch of the plane Plane, expressed in display
// space, centered on the projection of Center.
type PlanePrimitive struct {
	Plane  PlaneParams
	Center r3.Vector
	Size   float64
	Color  color.NRGBA

	dirty bool
}

// Kind implements Primitive
func (p *PlanePrimitive) Kind() Kind { return KindPlane }

// Dirty implements Primitive
func (p *PlanePrimitive) Dirty() bool { return p.dirty }

// MarkClean implements Primitive
func (p *PlanePrimitive) MarkClean() { p.dirty = false }

func (p *PlanePrimitive) setColor(c color.NRGBA) {
	p.Color = c
	p.dirty = true
}

// Normal returns the unit normal of the plane
func (p *PlanePrimitive) Normal() r3.Vector {
	return r3.Vector{X: p.Plane.A, Y: p.Plane.B, Z: p.Plane.C}.Normalize()
}

// Corners returns the four corners of the drawn patch
func (p *PlanePrimitive) Corners() [4]r3.Vector {
	n := p.Normal()
	if n.Norm2() == 0 {
		return [4]r3.Vector{p.Center, p.Center, p.Center, p.Center}
	}
	// project the center onto the plane
	dist := (p.Plane.A*p.Center.X + p.Plane.B*p.Center.Y + p.Plane.C*p.Center.Z + p.Plane.D) /
		r3.Vector{X: p.Plane.A, Y: p.Plane.B, Z: p.Plane.C}.Norm()
	c := p.Center.Sub(n.Mul(dist))

	u := n.Ortho()
	v := n.Cross(u).Normalize()
	h := p.Size / 2
	return [4]r3.Vector{
		c.Add(u.Mul(h)).Add(v.Mul(h)),
		c.Add(u.Mul(-h)).Add(v.Mul(h)),
		c.Add(u.Mul(-h)).Add(v.Mul(-h)),
		c.Add(u.Mul(h)).Add(v.Mul(-h)),
	}
}

// TextOverlay is a floating label anchored to a tick line of the axes.
type TextOverlay struct {
	Text     string
	Position r3.Vector
	Visible  bool
	Tick     *LinePrimitive
}
