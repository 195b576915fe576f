package cloud

import (
	"bufio"
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxLineBytes bounds a single header or vertex line
const maxLineBytes = 1 << 20

// minVertexBytes is the shortest vertex line, "0 0 0" plus its newline
const minVertexBytes = 6

// ParseFile reads and parses a PLY or OFF point-set file. The set is named
// after the file and flagged for normalization.
func ParseFile(path string) (PointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PointSet{}, fmt.Errorf("reading file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ps, err := ParsePointSet(name, data)
	if err != nil {
		return PointSet{}, err
	}
	ps.Normalize = true
	return ps, nil
}

// ParsePointSet decodes ASCII PLY or OFF data. Lines starting with '#' are
// skipped. Anything else is ErrUnsupportedFormat.
func ParsePointSet(name string, data []byte) (PointSet, error) {
	lines := newLineReader(bytes.NewReader(data))
	// no header can promise more vertices than the data has room for
	limit := (len(data) + 1) / minVertexBytes
	first, ok := lines.next()
	if !ok {
		return PointSet{}, fmt.Errorf("parse %s: %w: empty input", name, ErrUnsupportedFormat)
	}

	switch {
	case first == "ply":
		return parsePLY(name, lines, limit)
	case strings.HasPrefix(first, "OFF"):
		return parseOFF(name, strings.TrimSpace(strings.TrimPrefix(first, "OFF")), lines, limit)
	}
	return PointSet{}, fmt.Errorf("parse %s: %w: unknown magic %q", name, ErrUnsupportedFormat, first)
}

type lineReader struct {
	sc   *bufio.Scanner
	line int
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &lineReader{sc: sc}
}

// next returns the next non-empty, non-comment line, trimmed
func (l *lineReader) next() (string, bool) {
	for l.sc.Scan() {
		l.line++
		s := strings.TrimSpace(l.sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		return s, true
	}
	return "", false
}

// plyLayout records which vertex property columns carry what
type plyLayout struct {
	count   int
	columns int
	x, y, z int
	r, g, b int
}

func checkVertexCount(name string, n, limit int) error {
	if n > limit {
		return fmt.Errorf("parse %s: %w: vertex count %d exceeds input size", name, ErrInvalidInput, n)
	}
	return nil
}

func parsePLY(name string, lines *lineReader, limit int) (PointSet, error) {
	layout := plyLayout{count: -1, x: -1, y: -1, z: -1, r: -1, g: -1, b: -1}
	inVertex := false
	sawFormat := false

	for {
		line, ok := lines.next()
		if !ok {
			return PointSet{}, fmt.Errorf("parse %s: %w: missing end_header", name, ErrUnsupportedFormat)
		}
		if line == "end_header" {
			break
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return PointSet{}, fmt.Errorf("parse %s: %w: only ASCII PLY is supported", name, ErrUnsupportedFormat)
			}
			sawFormat = true
		case "comment", "obj_info":
		case "element":
			inVertex = len(fields) >= 3 && fields[1] == "vertex"
			if inVertex {
				n, err := strconv.Atoi(fields[2])
				if err != nil || n < 0 {
					return PointSet{}, fmt.Errorf("parse %s: %w: bad vertex count %q", name, ErrUnsupportedFormat, fields[2])
				}
				layout.count = n
			}
		case "property":
			if !inVertex {
				continue
			}
			if len(fields) >= 2 && fields[1] == "list" {
				return PointSet{}, fmt.Errorf("parse %s: %w: list property on vertex", name, ErrUnsupportedFormat)
			}
			col := layout.columns
			layout.columns++
			switch fields[len(fields)-1] {
			case "x":
				layout.x = col
			case "y":
				layout.y = col
			case "z":
				layout.z = col
			case "red":
				layout.r = col
			case "green":
				layout.g = col
			case "blue":
				layout.b = col
			}
		}
	}

	if !sawFormat {
		return PointSet{}, fmt.Errorf("parse %s: %w: missing format line", name, ErrUnsupportedFormat)
	}
	if layout.count < 0 {
		return PointSet{}, fmt.Errorf("parse %s: %w: no vertex element", name, ErrUnsupportedFormat)
	}
	// headers without property lines are read as plain x y z
	if layout.columns == 0 {
		layout.columns, layout.x, layout.y, layout.z = 3, 0, 1, 2
	}
	if layout.x < 0 || layout.y < 0 || layout.z < 0 {
		return PointSet{}, fmt.Errorf("parse %s: %w: vertex lacks x/y/z", name, ErrUnsupportedFormat)
	}
	if err := checkVertexCount(name, layout.count, limit); err != nil {
		return PointSet{}, err
	}
	withColor := layout.r >= 0 && layout.g >= 0 && layout.b >= 0

	ps := NewPointSet(name, layout.count)
	if withColor {
		ps.Colors = make([]color.NRGBA, 0, layout.count)
	}
	for i := 0; i < layout.count; i++ {
		line, ok := lines.next()
		if !ok {
			return PointSet{}, fmt.Errorf("parse %s: %w: expected %d vertices, got %d", name, ErrInvalidInput, layout.count, i)
		}
		vals, err := parseFloats(line, layout.columns)
		if err != nil {
			return PointSet{}, fmt.Errorf("parse %s line %d: %w", name, lines.line, err)
		}
		ps.Append(vals[layout.x], vals[layout.y], vals[layout.z])
		if withColor {
			ps.Colors = append(ps.Colors, color.NRGBA{
				R: channel(vals[layout.r]),
				G: channel(vals[layout.g]),
				B: channel(vals[layout.b]),
				A: 255,
			})
		}
	}
	return ps, nil
}

func parseOFF(name, rest string, lines *lineReader, limit int) (PointSet, error) {
	counts := rest
	if counts == "" {
		line, ok := lines.next()
		if !ok {
			return PointSet{}, fmt.Errorf("parse %s: %w: missing counts line", name, ErrUnsupportedFormat)
		}
		counts = line
	}
	fields := strings.Fields(counts)
	if len(fields) < 1 {
		return PointSet{}, fmt.Errorf("parse %s: %w: missing counts line", name, ErrUnsupportedFormat)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return PointSet{}, fmt.Errorf("parse %s: %w: bad vertex count %q", name, ErrUnsupportedFormat, fields[0])
	}
	if err := checkVertexCount(name, n, limit); err != nil {
		return PointSet{}, err
	}

	ps := NewPointSet(name, n)
	for i := 0; i < n; i++ {
		line, ok := lines.next()
		if !ok {
			return PointSet{}, fmt.Errorf("parse %s: %w: expected %d vertices, got %d", name, ErrInvalidInput, n, i)
		}
		vals, err := parseFloats(line, 3)
		if err != nil {
			return PointSet{}, fmt.Errorf("parse %s line %d: %w", name, lines.line, err)
		}
		ps.Append(vals[0], vals[1], vals[2])
	}
	return ps, nil
}

func parseFloats(line string, want int) ([]float64, error) {
	fields := strings.Fields(line)
	if len(fields) < want {
		return nil, fmt.Errorf("%w: want %d values, got %d", ErrInvalidInput, want, len(fields))
	}
	out := make([]float64, want)
	for i := 0; i < want; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, fields[i])
		}
		out[i] = v
	}
	return out, nil
}

// channel converts a PLY color value to 8 bits. Values up to 1 are read as
// normalized floats.
func channel(v float64) uint8 {
	if v <= 1 && v > 0 && v != float64(int(v)) {
		v *= 255
	}
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
