package cloud

import (
	"errors"
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linePrim() *LinePrimitive {
	return &LinePrimitive{From: r3.Vector{}, To: r3.Vector{X: 1}}
}

func pointsPrim(t *testing.T, xs ...float64) *PointsPrimitive {
	t.Helper()
	ps := NewPointSet("t", len(xs))
	for _, x := range xs {
		ps.Append(x, 0, 0)
	}
	p, err := BuildPointCloud(ps, DefaultOpacity, RenderOptions{Multiplier: 1, PointSize: 1})
	require.NoError(t, err)
	return p
}

// storeWithAxes mirrors the scene layout: persistent axes plus clearable clouds
func storeWithAxes(t *testing.T) *Store {
	t.Helper()
	s := NewStore(LabelAxes)
	lines, overlays := BuildAxes(100, 2)
	for _, l := range lines {
		require.NoError(t, s.Save(LabelAxes, l))
	}
	require.NoError(t, s.AttachOverlays(LabelAxes, overlays))
	require.NoError(t, s.Save(LabelScanned, pointsPrim(t, 0, 1, 2)))
	require.NoError(t, s.Save(CandidateLabel("job", 0), pointsPrim(t, 5)))
	return s
}

func TestStore_SaveCreatesVisibleObject(t *testing.T) {
	s := NewStore()
	p := pointsPrim(t, 1, 2)

	require.NoError(t, s.Save(LabelScanned, p))

	obj, ok := s.Get(LabelScanned)
	require.True(t, ok)
	assert.Equal(t, KindPoints, obj.Kind)
	assert.True(t, obj.Visible)
	assert.False(t, obj.Persistent)
	assert.True(t, s.InScene(p))
}

func TestStore_SaveRejectsBadInput(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Save("mixed", pointsPrim(t, 1)))

	tests := []struct {
		name   string
		label  Label
		handle Primitive
	}{
		{"empty label", "", linePrim()},
		{"nil handle", "x", nil},
		{"kind mismatch", "mixed", linePrim()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Save(tt.label, tt.handle)
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}

func TestStore_ClearIsIdempotentAndKeepsAxes(t *testing.T) {
	s := storeWithAxes(t)
	axes, _ := s.Get(LabelAxes)
	axesHandles := len(axes.Handles)

	removed := s.Clear()
	assert.ElementsMatch(t, []Label{LabelScanned, CandidateLabel("job", 0)}, removed)

	labels, active := s.Labels(), s.Active()
	assert.Empty(t, s.Clear(), "second clear removes nothing")
	assert.Equal(t, labels, s.Labels())
	assert.Equal(t, active, s.Active())

	assert.Equal(t, []Label{LabelAxes}, s.Labels())
	assert.Len(t, s.Active(), axesHandles)
	assert.Empty(t, s.Points())
}

func TestStore_ToggleVisibilityIsInvolution(t *testing.T) {
	s := storeWithAxes(t)

	for _, label := range []Label{LabelScanned, LabelAxes} {
		obj, _ := s.Get(label)
		before := make([]bool, len(obj.Handles))
		for i, h := range obj.Handles {
			before[i] = s.InScene(h)
		}

		v, err := s.ToggleVisibility(label)
		require.NoError(t, err)
		assert.False(t, v)
		for _, h := range obj.Handles {
			assert.False(t, s.InScene(h))
		}

		v, err = s.ToggleVisibility(label)
		require.NoError(t, err)
		assert.True(t, v)
		for i, h := range obj.Handles {
			assert.Equal(t, before[i], s.InScene(h))
		}
	}
}

func TestStore_ToggleAxesHidesOverlays(t *testing.T) {
	s := storeWithAxes(t)
	require.Len(t, s.Overlays(), 6)

	_, err := s.ToggleVisibility(LabelAxes)
	require.NoError(t, err)
	assert.Empty(t, s.Overlays())

	_, err = s.ToggleVisibility(LabelAxes)
	require.NoError(t, err)
	assert.Len(t, s.Overlays(), 6)
}

func TestStore_UnknownLabel(t *testing.T) {
	s := NewStore()

	_, err := s.ToggleVisibility("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.ChangeColor("nope", color.NRGBA{A: 255})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Remove("nope"), ErrNotFound)
	assert.ErrorIs(t, s.AttachOverlays("nope", nil), ErrNotFound)
}

func TestStore_ByKindKeepsInsertionOrder(t *testing.T) {
	s := NewStore()
	a, b, c := pointsPrim(t, 1), pointsPrim(t, 2), pointsPrim(t, 3)
	require.NoError(t, s.Save("b", a))
	require.NoError(t, s.Save("line", linePrim()))
	require.NoError(t, s.Save("a", b))
	require.NoError(t, s.Save("b", c))

	got := s.ByKind(KindPoints)
	assert.Equal(t, []Primitive{a, c, b}, got)
	assert.NotNil(t, s.ByKind(KindPlane))
	assert.Empty(t, s.ByKind(KindPlane))
}

func TestStore_ChangeColorMarksDirty(t *testing.T) {
	s := NewStore()
	p := pointsPrim(t, 1, 2)
	p.MarkClean()
	require.NoError(t, s.Save(LabelScanned, p))

	red := color.NRGBA{R: 255, A: 255}
	require.NoError(t, s.ChangeColor(LabelScanned, red))
	assert.Equal(t, red, p.Color)
	assert.True(t, p.Dirty())

	p.Colors = []color.NRGBA{{}, {}}
	require.NoError(t, s.ChangeColor(LabelScanned, red))
	assert.Equal(t, []color.NRGBA{red, red}, p.Colors)
}

func TestStore_RemoveDetachesHandles(t *testing.T) {
	s := storeWithAxes(t)
	obj, _ := s.Get(LabelScanned)
	h := obj.Handles[0]

	require.NoError(t, s.Remove(LabelScanned))
	assert.False(t, s.InScene(h))
	_, ok := s.Get(LabelScanned)
	assert.False(t, ok)
}
