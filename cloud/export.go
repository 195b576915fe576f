package cloud

import "github.com/shopspring/decimal"

var highlightedKey = decimal.NewFromFloat(Highlighted).Round(2)

// isHighlighted compares at two-decimal precision so representation drift in
// the opacity channel does not drop points.
func isHighlighted(opacity float64) bool {
	return decimal.NewFromFloat(opacity).Round(2).Equal(highlightedKey)
}

// ExportSelection collects every highlighted point of every point buffer and
// maps it back to original coordinates through the buffer's frame. An empty
// set means there is nothing to submit.
func ExportSelection(store *Store) PointSet {
	out := NewPointSet("selection", 0)
	for _, p := range store.Points() {
		for i, pos := range p.Positions {
			if !isHighlighted(p.Opacity[i]) {
				continue
			}
			out.Append(p.Frame.Invert(pos.X), p.Frame.Invert(pos.Y), p.Frame.Invert(pos.Z))
		}
	}
	return out
}

// Export returns the current selection, or an empty set when idle
func (s *Selection) Export() PointSet {
	if s.anchor == nil {
		return NewPointSet("selection", 0)
	}
	return ExportSelection(s.store)
}
