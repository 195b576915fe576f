package cloud

const (
	// DefaultDisplayRange is the span of the display box normalized clouds are fitted into.
	DefaultDisplayRange = 200.0

	// DefaultDisplayMultiplier scales clouds that are not normalized.
	DefaultDisplayMultiplier = 1000.0
)

// Normalize maps every v to ((v-min)/(max-min))*displayRange - displayRange/2.
// A degenerate span (max == min) is treated as 1 so the result stays finite.
func Normalize(values []float64, min, max, displayRange float64) []float64 {
	f := Frame{Normalized: true, Min: min, Max: max, Range: max - min, DisplayRange: displayRange}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = f.Apply(v)
	}
	return out
}

// Frame records how a cloud was mapped into display space so the mapping can be
// undone on export. Normalized frames cache the union min/max/range computed at
// ingestion; the original coordinates cannot be recovered without them.
type Frame struct {
	Normalized   bool    `json:"normalized"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Range        float64 `json:"range"`
	DisplayRange float64 `json:"displayRange"`
	Multiplier   float64 `json:"multiplier"`
}

// NormalizedFrame builds the frame for a cloud with the given union bounds.
func NormalizedFrame(min, max, displayRange float64) Frame {
	return Frame{Normalized: true, Min: min, Max: max, Range: max - min, DisplayRange: displayRange}
}

// ScaledFrame builds the frame for a cloud that is only multiplied into display space.
func ScaledFrame(multiplier float64) Frame {
	return Frame{Multiplier: multiplier}
}

func (f Frame) span() float64 {
	if f.Range == 0 {
		return 1
	}
	return f.Range
}

// Apply maps one raw coordinate into display space
func (f Frame) Apply(v float64) float64 {
	if !f.Normalized {
		return v * f.Multiplier
	}
	return (v-f.Min)/f.span()*f.DisplayRange - f.DisplayRange/2
}

// Invert maps one display coordinate back to the raw coordinate
func (f Frame) Invert(v float64) float64 {
	if !f.Normalized {
		if f.Multiplier == 0 {
			return v
		}
		return v / f.Multiplier
	}
	return (v+f.DisplayRange/2)/f.DisplayRange*f.span() + f.Min
}
