// Package qmesh reads and writes quantized-mesh-1.0 terrain tiles.
//
// A tile is a little-endian binary blob, usually served gzipped: an 88-byte header,
// zig-zag delta encoded vertex arrays, high-water-mark encoded triangle indices,
// four edge index lists and optional extensions.
package qmesh

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Quantized-mesh format errors.
var (
	ErrTruncated     = errors.New("truncated quantized-mesh data")
	ErrInvalidVertex = errors.New("quantized vertex out of range")
	ErrInvalidIndex  = errors.New("triangle index out of range")
	ErrIndexOrder    = errors.New("indices are not in high-water-mark order")
)

// MaxValue is the quantized coordinate of the east/north edge and of the maximum height.
const MaxValue = 32767

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 88

// large32 is the vertex count above which indices are stored as uint32.
const large32 = 65536

// Extension identifiers.
const (
	ExtOctNormals = 1
	ExtWaterMask  = 2
	ExtMetadata   = 4
)

// Header is the fixed-size tile header. Positions are Earth-centred, Earth-fixed.
type Header struct {
	CenterX float64
	CenterY float64
	CenterZ float64

	MinimumHeight float32
	MaximumHeight float32

	BoundingSphereCenterX float64
	BoundingSphereCenterY float64
	BoundingSphereCenterZ float64
	BoundingSphereRadius  float64

	// Expressed in the ellipsoid-scaled frame.
	HorizonOcclusionPointX float64
	HorizonOcclusionPointY float64
	HorizonOcclusionPointZ float64
}

// Tile is a decoded quantized-mesh tile. U, V and H hold absolute quantized values
// in [0, MaxValue]; u=0 is the west edge and v=0 the south edge.
type Tile struct {
	Header Header

	U []uint16
	V []uint16
	H []uint16

	// Indices holds three entries per counter-clockwise triangle.
	Indices []uint32

	West  []uint32
	South []uint32
	East  []uint32
	North []uint32

	// Normals is nil unless the oct-encoded normals extension was present.
	Normals [][3]float32
	// WaterMask is either a single byte (all land or all water) or 256x256 bytes.
	WaterMask []byte
	Metadata  json.RawMessage
}

// VertexCount returns the number of vertices.
func (t *Tile) VertexCount() int { return len(t.U) }

// TriangleCount returns the number of triangles.
func (t *Tile) TriangleCount() int { return len(t.Indices) / 3 }

// Vertex returns vertex i as tile-local fractions u, v in [0,1] and a height in
// metres interpolated between the header's minimum and maximum.
func (t *Tile) Vertex(i int) (u, v, height float64) {
	u = float64(t.U[i]) / MaxValue
	v = float64(t.V[i]) / MaxValue
	lo, hi := float64(t.Header.MinimumHeight), float64(t.Header.MaximumHeight)
	height = lo + (hi-lo)*float64(t.H[i])/MaxValue
	return u, v, height
}

// IsGzip reports whether data starts with the gzip magic number.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Parse decodes a tile, transparently inflating gzip payloads.
func Parse(data []byte) (*Tile, error) {
	if IsGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflating tile: %w", err)
		}
		data = raw
	}
	return parse(data)
}

// Read decodes a tile from r.
func Read(r io.Reader) (*Tile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func parse(data []byte) (*Tile, error) {
	if len(data) < HeaderSize+4 {
		return nil, ErrTruncated
	}
	r := bytes.NewReader(data)
	t := &Tile{}

	if err := binary.Read(r, binary.LittleEndian, &t.Header); err != nil {
		return nil, fmt.Errorf("%w: reading header", ErrTruncated)
	}

	var vertexCount uint32
	if err := binary.Read(r, binary.LittleEndian, &vertexCount); err != nil {
		return nil, fmt.Errorf("%w: reading vertex count", ErrTruncated)
	}
	if int64(vertexCount)*6 > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d vertices", ErrTruncated, vertexCount)
	}
	n := int(vertexCount)

	var err error
	if t.U, err = readDeltas(r, n, "u"); err != nil {
		return nil, err
	}
	if t.V, err = readDeltas(r, n, "v"); err != nil {
		return nil, err
	}
	if t.H, err = readDeltas(r, n, "height"); err != nil {
		return nil, err
	}

	wide := n > large32
	if err := skipPadding(r, len(data), wide); err != nil {
		return nil, err
	}

	var triangleCount uint32
	if err := binary.Read(r, binary.LittleEndian, &triangleCount); err != nil {
		return nil, fmt.Errorf("%w: reading triangle count", ErrTruncated)
	}
	codes, err := readIndices(r, int64(triangleCount)*3, wide)
	if err != nil {
		return nil, fmt.Errorf("reading triangles: %w", err)
	}
	t.Indices = make([]uint32, len(codes))
	var highest uint32
	for i, code := range codes {
		if code > highest {
			return nil, fmt.Errorf("%w: code %d above high-water mark %d", ErrInvalidIndex, code, highest)
		}
		idx := highest - code
		if idx >= vertexCount {
			return nil, fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, idx, vertexCount)
		}
		t.Indices[i] = idx
		if code == 0 {
			highest++
		}
	}

	for _, edge := range []*[]uint32{&t.West, &t.South, &t.East, &t.North} {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: reading edge count", ErrTruncated)
		}
		idx, err := readIndices(r, int64(count), wide)
		if err != nil {
			return nil, fmt.Errorf("reading edge indices: %w", err)
		}
		for _, v := range idx {
			if v >= vertexCount {
				return nil, fmt.Errorf("%w: edge vertex %d >= %d", ErrInvalidIndex, v, vertexCount)
			}
		}
		*edge = idx
	}

	if err := t.readExtensions(r); err != nil {
		return nil, err
	}
	return t, nil
}

func readDeltas(r *bytes.Reader, n int, name string) ([]uint16, error) {
	raw := make([]uint16, n)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("%w: reading %s", ErrTruncated, name)
	}
	value := 0
	for i, d := range raw {
		value += zigZagDecode(d)
		if value < 0 || value > MaxValue {
			return nil, fmt.Errorf("%w: %s[%d] = %d", ErrInvalidVertex, name, i, value)
		}
		raw[i] = uint16(value)
	}
	return raw, nil
}

func skipPadding(r *bytes.Reader, total int, wide bool) error {
	align := 2
	if wide {
		align = 4
	}
	pos := total - r.Len()
	if rem := pos % align; rem != 0 {
		if _, err := r.Seek(int64(align-rem), io.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

func readIndices(r *bytes.Reader, count int64, wide bool) ([]uint32, error) {
	size := int64(2)
	if wide {
		size = 4
	}
	if count*size > int64(r.Len()) {
		return nil, ErrTruncated
	}
	out := make([]uint32, count)
	if wide {
		if err := binary.Read(r, binary.LittleEndian, out); err != nil {
			return nil, ErrTruncated
		}
		return out, nil
	}
	narrow := make([]uint16, count)
	if err := binary.Read(r, binary.LittleEndian, narrow); err != nil {
		return nil, ErrTruncated
	}
	for i, v := range narrow {
		out[i] = uint32(v)
	}
	return out, nil
}

func (t *Tile) readExtensions(r *bytes.Reader) error {
	for r.Len() > 0 {
		var id uint8
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("%w: reading extension id", ErrTruncated)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return fmt.Errorf("%w: reading extension %d length", ErrTruncated, id)
		}
		if int64(length) > int64(r.Len()) {
			return fmt.Errorf("%w: extension %d of %d bytes", ErrTruncated, id, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("%w: reading extension %d", ErrTruncated, id)
		}

		switch id {
		case ExtOctNormals:
			if len(payload) != 2*t.VertexCount() {
				return fmt.Errorf("%w: %d normal bytes for %d vertices", ErrTruncated, len(payload), t.VertexCount())
			}
			t.Normals = make([][3]float32, t.VertexCount())
			for i := range t.Normals {
				t.Normals[i] = OctDecode(payload[2*i], payload[2*i+1])
			}
		case ExtWaterMask:
			t.WaterMask = payload
		case ExtMetadata:
			if len(payload) < 4 {
				return fmt.Errorf("%w: metadata length", ErrTruncated)
			}
			n := binary.LittleEndian.Uint32(payload)
			if int(n) > len(payload)-4 {
				return fmt.Errorf("%w: metadata of %d bytes", ErrTruncated, n)
			}
			t.Metadata = json.RawMessage(payload[4 : 4+n])
		}
	}
	return nil
}

func zigZagDecode(v uint16) int {
	n := int(v)
	return (n >> 1) ^ -(n & 1)
}

func zigZagEncode(n int) uint16 {
	return uint16((n << 1) ^ (n >> 31))
}
