package cloud

import (
	"fmt"
	"image/color"
)

// SceneObject is one entry of the geometry store
type SceneObject struct {
	Label      Label
	Kind       Kind
	Handles    []Primitive
	Visible    bool
	Persistent bool
	// Overlays are the floating tick labels of the axes object
	Overlays []*TextOverlay
}

// Store is the label-keyed registry of renderable objects and the active scene
// graph they are drawn from. It is not safe for concurrent use; Scene guards it.
type Store struct {
	objects    map[Label]*SceneObject
	order      []Label
	persistent map[Label]bool

	// active is the scene graph: handles currently drawn, in insertion order
	active []Primitive
}

// NewStore creates an empty store. Objects saved under one of the persistent
// labels survive Clear.
func NewStore(persistent ...Label) *Store {
	s := &Store{
		objects:    make(map[Label]*SceneObject),
		persistent: make(map[Label]bool),
	}
	for _, l := range persistent {
		s.persistent[l] = true
	}
	return s
}

// Save appends handle to the object for label, creating a visible object on
// first use. A handle of a different kind than the existing object is rejected.
func (s *Store) Save(label Label, handle Primitive) error {
	if label == "" {
		return fmt.Errorf("save: %w: empty label", ErrInvalidInput)
	}
	if handle == nil {
		return fmt.Errorf("save %s: %w: nil handle", label, ErrInvalidInput)
	}

	obj, ok := s.objects[label]
	if !ok {
		obj = &SceneObject{
			Label:      label,
			Kind:       handle.Kind(),
			Visible:    true,
			Persistent: s.persistent[label],
		}
		s.objects[label] = obj
		s.order = append(s.order, label)
	} else if obj.Kind != handle.Kind() {
		return fmt.Errorf("save %s: %w: %s handle on %s object", label, ErrInvalidInput, handle.Kind(), obj.Kind)
	}

	obj.Handles = append(obj.Handles, handle)
	if obj.Visible {
		s.active = append(s.active, handle)
	}
	return nil
}

// AttachOverlays ties text overlays to an existing object
func (s *Store) AttachOverlays(label Label, overlays []*TextOverlay) error {
	obj, ok := s.objects[label]
	if !ok {
		return fmt.Errorf("attach overlays %s: %w", label, ErrNotFound)
	}
	for _, o := range overlays {
		o.Visible = obj.Visible
	}
	obj.Overlays = append(obj.Overlays, overlays...)
	return nil
}

// Clear removes every non-persistent object from the store and its handles
// from the active scene. It returns the removed labels; a second call returns none.
func (s *Store) Clear() []Label {
	var removed []Label
	kept := s.order[:0]
	for _, label := range s.order {
		obj := s.objects[label]
		if obj.Persistent {
			kept = append(kept, label)
			continue
		}
		s.detach(obj.Handles)
		delete(s.objects, label)
		removed = append(removed, label)
	}
	s.order = kept
	return removed
}

// Remove deletes a single object regardless of persistence
func (s *Store) Remove(label Label) error {
	obj, ok := s.objects[label]
	if !ok {
		return fmt.Errorf("remove %s: %w", label, ErrNotFound)
	}
	s.detach(obj.Handles)
	delete(s.objects, label)
	for i, l := range s.order {
		if l == label {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ToggleVisibility flips the visibility of label and returns the new value.
// Hidden handles leave the active scene but are kept for re-adding.
func (s *Store) ToggleVisibility(label Label) (bool, error) {
	obj, ok := s.objects[label]
	if !ok {
		return false, fmt.Errorf("toggle %s: %w", label, ErrNotFound)
	}
	obj.Visible = !obj.Visible
	if obj.Visible {
		s.active = append(s.active, obj.Handles...)
	} else {
		s.detach(obj.Handles)
	}
	for _, o := range obj.Overlays {
		o.Visible = obj.Visible
	}
	return obj.Visible, nil
}

// ByKind returns the handles of every object of the given kind, in store
// insertion order. It returns an empty slice when there are none.
func (s *Store) ByKind(kind Kind) []Primitive {
	out := []Primitive{}
	for _, label := range s.order {
		obj := s.objects[label]
		if obj.Kind == kind {
			out = append(out, obj.Handles...)
		}
	}
	return out
}

// Points returns the point buffers of the store in insertion order
func (s *Store) Points() []*PointsPrimitive {
	handles := s.ByKind(KindPoints)
	out := make([]*PointsPrimitive, 0, len(handles))
	for _, h := range handles {
		if p, ok := h.(*PointsPrimitive); ok {
			out = append(out, p)
		}
	}
	return out
}

// ChangeColor sets the color of every handle under label and marks them dirty
func (s *Store) ChangeColor(label Label, c color.NRGBA) error {
	obj, ok := s.objects[label]
	if !ok {
		return fmt.Errorf("change color %s: %w", label, ErrNotFound)
	}
	for _, h := range obj.Handles {
		h.setColor(c)
	}
	return nil
}

// Get returns the object stored under label
func (s *Store) Get(label Label) (*SceneObject, bool) {
	obj, ok := s.objects[label]
	return obj, ok
}

// Labels returns all labels in insertion order
func (s *Store) Labels() []Label {
	out := make([]Label, len(s.order))
	copy(out, s.order)
	return out
}

// Active returns the handles currently in the scene graph
func (s *Store) Active() []Primitive {
	out := make([]Primitive, len(s.active))
	copy(out, s.active)
	return out
}

// InScene reports whether handle is part of the active scene graph
func (s *Store) InScene(handle Primitive) bool {
	for _, h := range s.active {
		if h == handle {
			return true
		}
	}
	return false
}

// Overlays returns the visible text overlays of all objects
func (s *Store) Overlays() []*TextOverlay {
	var out []*TextOverlay
	for _, label := range s.order {
		for _, o := range s.objects[label].Overlays {
			if o.Visible {
				out = append(out, o)
			}
		}
	}
	return out
}

func (s *Store) detach(handles []Primitive) {
	if len(handles) == 0 {
		return
	}
	drop := make(map[Primitive]bool, len(handles))
	for _, h := range handles {
		drop[h] = true
	}
	kept := s.active[:0]
	for _, h := range s.active {
		if !drop[h] {
			kept = append(kept, h)
		}
	}
	// release references held past the new length
	for i := len(kept); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = kept
}
