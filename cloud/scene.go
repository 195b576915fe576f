package cloud

import (
	"fmt"
	"image/color"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// SceneOptions configures a Scene
type SceneOptions struct {
	Render        RenderOptions
	Opacity       float64
	Radius        float64
	PickThreshold float64
	ResetMode     ResetMode
	ShowAxes      bool
	AxesLength    float64
	AxesTicks     int
	PlaneSize     float64
	PlaneColor    color.NRGBA
	ResultColors  []color.NRGBA
}

// DefaultSceneOptions returns the viewer defaults
func DefaultSceneOptions() SceneOptions {
	return SceneOptions{
		Render:        DefaultRenderOptions(),
		Opacity:       DefaultOpacity,
		Radius:        DefaultRadius,
		PickThreshold: DefaultPickThreshold,
		ResetMode:     ResetBaseline,
		ShowAxes:      true,
		AxesLength:    DefaultDisplayRange / 2,
		AxesTicks:     4,
		PlaneSize:     DefaultDisplayRange,
		PlaneColor:    color.NRGBA{R: 255, G: 200, B: 0, A: 255},
		ResultColors: []color.NRGBA{
			{R: 255, G: 99, B: 71, A: 255},
			{R: 60, G: 179, B: 113, A: 255},
			{R: 100, G: 149, B: 237, A: 255},
			{R: 238, G: 130, B: 238, A: 255},
		},
	}
}

// ObjectInfo is a read-only summary of a scene object
type ObjectInfo struct {
	Label      Label  `json:"label"`
	Kind       Kind   `json:"kind"`
	Visible    bool   `json:"visible"`
	Persistent bool   `json:"persistent"`
	Handles    int    `json:"handles"`
	Points     int    `json:"points"`
	Color      string `json:"color,omitempty"`
}

// Scene owns the geometry store and the selection state of one viewer
// context. All methods are safe for concurrent use; they are serialized by a
// single mutex, which stands in for the single UI thread.
type Scene struct {
	mu     sync.Mutex
	store  *Store
	sel    *Selection
	opts   SceneOptions
	hub    *Hub
	logger *zap.Logger
}

// NewScene creates a scene, adding the persistent axes when enabled
func NewScene(opts SceneOptions, logger *zap.Logger) (*Scene, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := NewStore(LabelAxes)
	sel := NewSelection(store)
	if _, err := sel.SetRadius(opts.Radius); err != nil {
		return nil, fmt.Errorf("new scene: %w", err)
	}
	if err := sel.SetPickThreshold(opts.PickThreshold); err != nil {
		return nil, fmt.Errorf("new scene: %w", err)
	}
	sel.SetResetMode(opts.ResetMode)

	s := &Scene{
		store:  store,
		sel:    sel,
		opts:   opts,
		hub:    NewHub(),
		logger: logger.Named("scene"),
	}

	if opts.ShowAxes {
		lines, overlays := BuildAxes(opts.AxesLength, opts.AxesTicks)
		for _, l := range lines {
			if err := store.Save(LabelAxes, l); err != nil {
				return nil, fmt.Errorf("new scene: %w", err)
			}
		}
		if err := store.AttachOverlays(LabelAxes, overlays); err != nil {
			return nil, fmt.Errorf("new scene: %w", err)
		}
	}
	return s, nil
}

// Events returns the hub scene events are published to
func (s *Scene) Events() *Hub { return s.hub }

// Options returns the options the scene was built with
func (s *Scene) Options() SceneOptions { return s.opts }

// AddPointCloud builds a point buffer for ps and registers it under label.
// It does not render; callers request a snapshot explicitly.
func (s *Scene) AddPointCloud(ps PointSet, label Label, opacity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPointCloud(ps, label, opacity)
}

func (s *Scene) addPointCloud(ps PointSet, label Label, opacity float64) error {
	if label == "" {
		return fmt.Errorf("add point cloud: %w: empty label", ErrInvalidInput)
	}
	p, err := BuildPointCloud(ps, opacity, s.opts.Render)
	if err != nil {
		return err
	}
	if err := s.store.Save(label, p); err != nil {
		return err
	}
	s.logger.Debug("point cloud added",
		zap.String("label", string(label)),
		zap.Int("points", p.Len()),
		zap.Bool("normalized", p.Frame.Normalized))
	s.hub.Publish(Event{Type: EventObjectAdded, Label: label})

	// a buffer added under an anchored selection takes its opacities from
	// the anchor, not from the baseline
	if anchor, ok := s.sel.Anchor(); ok {
		s.selectionChanged(s.sel.Highlight(anchor))
	}
	return nil
}

// replace drops any object already saved under label so the next save
// starts fresh
func (s *Scene) replace(label Label) {
	if _, ok := s.store.Get(label); ok {
		_ = s.store.Remove(label)
	}
}

// LoadScanned replaces the scene content with a freshly parsed cloud. The
// set is normalized into the display range. Persistent objects stay.
func (s *Scene) LoadScanned(ps PointSet) error {
	if err := ps.Validate(); err != nil {
		return fmt.Errorf("load scanned: %w", err)
	}
	ps.Normalize = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	return s.addPointCloud(ps, LabelScanned, s.opts.Opacity)
}

// AddResult registers the points of one completion candidate, replacing an
// earlier result under the same label. Results are scaled, not normalized,
// and get a palette color unless they carry their own.
func (s *Scene) AddResult(rs ResultSet, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rs.Points.Len() > 0 {
		ps := rs.Points
		ps.Normalize = false
		if ps.Color == nil && ps.Colors == nil && len(s.opts.ResultColors) > 0 {
			c := s.opts.ResultColors[index%len(s.opts.ResultColors)]
			ps.Color = &c
		}
		if err := ps.Validate(); err != nil {
			return fmt.Errorf("add result %s: %w", rs.Label, err)
		}
		s.replace(rs.Label)
		if err := s.addPointCloud(ps, rs.Label, s.opts.Opacity); err != nil {
			return err
		}
	}
	return nil
}

// AddPlane registers a symmetry plane given in raw coordinates under label,
// replacing any plane already there
func (s *Scene) AddPlane(label Label, params PlaneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plane, err := BuildPlane(params, ScaledFrame(s.opts.Render.Multiplier), s.opts.PlaneSize, s.opts.PlaneColor)
	if err != nil {
		return err
	}
	s.replace(label)
	if err := s.store.Save(label, plane); err != nil {
		return err
	}
	s.hub.Publish(Event{Type: EventObjectAdded, Label: label})
	return nil
}

// Clear removes all non-persistent objects. Calling it twice is a no-op the
// second time.
func (s *Scene) Clear() []Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear()
}

func (s *Scene) clear() []Label {
	removed := s.store.Clear()
	if len(removed) == 0 {
		return nil
	}
	s.sel.Forget()
	s.logger.Debug("scene cleared", zap.Int("removed", len(removed)))
	s.hub.Publish(Event{Type: EventSceneCleared, Labels: removed})
	return removed
}

// ToggleVisibility flips the visibility of label
func (s *Scene) ToggleVisibility(label Label) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible, err := s.store.ToggleVisibility(label)
	if err != nil {
		return false, err
	}
	s.hub.Publish(Event{Type: EventVisibilityChanged, Label: label, Visible: &visible})
	return visible, nil
}

// ChangeColor recolors every handle of label
func (s *Scene) ChangeColor(label Label, c color.NRGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ChangeColor(label, c); err != nil {
		return err
	}
	s.hub.Publish(Event{Type: EventColorChanged, Label: label})
	return nil
}

// Pick casts a ray into the scene and selects around the nearest hit
func (s *Scene) Pick(ray Ray) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sel.Pick(ray)
	if ok {
		s.selectionChanged(st)
	}
	return st, ok
}

// SelectAt anchors the selection at a display-space position
func (s *Scene) SelectAt(pos r3.Vector) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sel.SelectAt(pos)
	s.selectionChanged(st)
	return st
}

// SelectAtRaw anchors the selection at a position given in the original
// coordinates of the scanned cloud.
func (s *Scene) SelectAtRaw(pos r3.Vector) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.store.Get(LabelScanned)
	if !ok || len(obj.Handles) == 0 {
		return Stats{}, fmt.Errorf("select: %s: %w", LabelScanned, ErrNotFound)
	}
	p, ok := obj.Handles[0].(*PointsPrimitive)
	if !ok {
		return Stats{}, fmt.Errorf("select: %s: %w: not a point buffer", LabelScanned, ErrInvalidInput)
	}
	f := p.Frame
	st := s.sel.SelectAt(r3.Vector{X: f.Apply(pos.X), Y: f.Apply(pos.Y), Z: f.Apply(pos.Z)})
	s.selectionChanged(st)
	return st, nil
}

// SetRadius changes the selection radius
func (s *Scene) SetRadius(r float64) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.sel.SetRadius(r)
	if err != nil {
		return Stats{}, err
	}
	if s.sel.Active() {
		s.selectionChanged(st)
	}
	return st, nil
}

// Reset returns the selection to idle
func (s *Scene) Reset() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sel.Reset()
	s.selectionChanged(st)
	return st
}

// SelectionState returns the radius and the anchor, if any
func (s *Scene) SelectionState() (float64, *r3.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.sel.Anchor()
	if !ok {
		return s.sel.Radius(), nil
	}
	return s.sel.Radius(), &a
}

// ExportSelection returns the selected points in original coordinates
func (s *Scene) ExportSelection() PointSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.Export()
}

// Objects summarizes the store in insertion order
func (s *Scene) Objects() []ObjectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ObjectInfo
	for _, label := range s.store.Labels() {
		obj, _ := s.store.Get(label)
		info := ObjectInfo{
			Label:      label,
			Kind:       obj.Kind,
			Visible:    obj.Visible,
			Persistent: obj.Persistent,
			Handles:    len(obj.Handles),
		}
		for _, h := range obj.Handles {
			switch p := h.(type) {
			case *PointsPrimitive:
				info.Points += p.Len()
				if !p.PerVertexColor() {
					info.Color = HexColor(p.Color)
				}
			case *LinePrimitive:
				info.Color = HexColor(p.Color)
			case *PlanePrimitive:
				info.Color = HexColor(p.Color)
			}
		}
		out = append(out, info)
	}
	return out
}

// View runs fn with the store while holding the scene lock. fn must not
// retain the store or call back into the scene.
func (s *Scene) View(fn func(store *Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
}

func (s *Scene) selectionChanged(st Stats) {
	if math.IsInf(s.sel.Radius(), 1) {
		s.logger.Debug("selection spans whole scene", zap.Int("matched", st.Matched))
	}
	s.hub.Publish(Event{Type: EventSelectionChanged, Stats: &st})
}
