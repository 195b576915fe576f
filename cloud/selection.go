package cloud

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

const (
	// Highlighted is the opacity of selected points.
	Highlighted = 0.8
	// Faded is the opacity of points outside the selection sphere.
	Faded = 0.2

	// DefaultRadius is the initial selection radius in display units.
	DefaultRadius = 5.0
	// DefaultPickThreshold is how far from the ray a point may lie and still be hit.
	DefaultPickThreshold = 1.0
)

// ResetMode decides what Reset restores point opacities to
type ResetMode int

const (
	// ResetBaseline restores each buffer's creation opacity.
	ResetBaseline ResetMode = iota
	// ResetSelectAll highlights every point, like an infinite-radius selection.
	ResetSelectAll
)

// ParseResetMode parses "baseline" or "select-all"
func ParseResetMode(s string) (ResetMode, error) {
	switch s {
	case "", "baseline":
		return ResetBaseline, nil
	case "select-all":
		return ResetSelectAll, nil
	}
	return ResetBaseline, fmt.Errorf("%w: reset mode %q", ErrInvalidArgument, s)
}

// Ray is a pick ray in display space
type Ray struct {
	Origin    r3.Vector `json:"origin"`
	Direction r3.Vector `json:"direction"`
}

// Stats is the running total reported after a highlight pass
type Stats struct {
	Examined int `json:"examined"`
	Matched  int `json:"matched"`
}

// Hit describes a pick result
type Hit struct {
	Point    r3.Vector
	Distance float64
	Handle   *PointsPrimitive
	Index    int
}

// Selection is the radius-based selection state machine over the point
// buffers of a store. Idle has no anchor; Active has one.
type Selection struct {
	store     *Store
	radius    float64
	threshold float64
	anchor    *r3.Vector
	resetMode ResetMode
}

// NewSelection creates an idle selection over store
func NewSelection(store *Store) *Selection {
	return &Selection{
		store:     store,
		radius:    DefaultRadius,
		threshold: DefaultPickThreshold,
	}
}

// Radius returns the current selection radius
func (s *Selection) Radius() float64 { return s.radius }

// Anchor returns the last picked position, if any
func (s *Selection) Anchor() (r3.Vector, bool) {
	if s.anchor == nil {
		return r3.Vector{}, false
	}
	return *s.anchor, true
}

// Active reports whether a selection is anchored
func (s *Selection) Active() bool { return s.anchor != nil }

// SetResetMode chooses the Reset behavior
func (s *Selection) SetResetMode(m ResetMode) { s.resetMode = m }

// SetPickThreshold sets the maximum ray distance of a hit
func (s *Selection) SetPickThreshold(t float64) error {
	if !(t > 0) {
		return fmt.Errorf("pick threshold %v: %w", t, ErrInvalidArgument)
	}
	s.threshold = t
	return nil
}

// Intersect casts ray against every point buffer and returns the nearest hit.
// Nearest means smallest distance along the ray; on an exact tie the point
// registered first (store order, then buffer index) wins.
func (s *Selection) Intersect(ray Ray) (Hit, bool) {
	dir := ray.Direction.Normalize()
	if dir.Norm2() == 0 {
		return Hit{}, false
	}
	limit := s.threshold * s.threshold

	var best Hit
	found := false
	for _, p := range s.store.Points() {
		for i, pos := range p.Positions {
			rel := pos.Sub(ray.Origin)
			t := rel.Dot(dir)
			if t < 0 {
				continue
			}
			perp := rel.Norm2() - t*t
			if perp > limit {
				continue
			}
			if !found || t < best.Distance {
				best = Hit{Point: pos, Distance: t, Handle: p, Index: i}
				found = true
			}
		}
	}
	return best, found
}

// Pick intersects ray with the scene and, on a hit, anchors the selection at
// the hit point and highlights around it. A miss leaves the state untouched.
func (s *Selection) Pick(ray Ray) (Stats, bool) {
	hit, ok := s.Intersect(ray)
	if !ok {
		return Stats{}, false
	}
	anchor := hit.Point
	s.anchor = &anchor
	return s.Highlight(anchor), true
}

// SelectAt anchors the selection at an explicit display-space position
func (s *Selection) SelectAt(pos r3.Vector) Stats {
	s.anchor = &pos
	return s.Highlight(pos)
}

// Highlight sets every point within the radius of pos (inclusive) to
// Highlighted and every other point to Faded.
func (s *Selection) Highlight(pos r3.Vector) Stats {
	return s.highlight(pos, s.radius)
}

func (s *Selection) highlight(pos r3.Vector, radius float64) Stats {
	var st Stats
	for _, p := range s.store.Points() {
		for i, q := range p.Positions {
			st.Examined++
			if pos.Distance(q) > radius {
				p.Opacity[i] = Faded
			} else {
				p.Opacity[i] = Highlighted
				st.Matched++
			}
		}
		p.dirty = true
	}
	return st
}

// SetRadius changes the radius and, when anchored, re-highlights so the
// selection resizes live. Non-positive and NaN radii are rejected.
func (s *Selection) SetRadius(r float64) (Stats, error) {
	if math.IsNaN(r) || r <= 0 {
		return Stats{}, fmt.Errorf("radius %v: %w", r, ErrInvalidArgument)
	}
	s.radius = r
	if s.anchor == nil {
		return Stats{}, nil
	}
	return s.Highlight(*s.anchor), nil
}

// Reset drops the anchor and restores point opacities according to the reset mode.
func (s *Selection) Reset() Stats {
	s.anchor = nil
	if s.resetMode == ResetSelectAll {
		return s.highlight(r3.Vector{}, math.Inf(1))
	}

	var st Stats
	for _, p := range s.store.Points() {
		for i := range p.Opacity {
			p.Opacity[i] = p.Baseline
			st.Examined++
			if p.Baseline == Highlighted {
				st.Matched++
			}
		}
		p.dirty = true
	}
	return st
}

// Forget drops the anchor without touching opacities. Used when the buffers
// it referred to have been cleared.
func (s *Selection) Forget() {
	s.anchor = nil
}
