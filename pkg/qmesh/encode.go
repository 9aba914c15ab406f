package qmesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/klauspost/compress/gzip"
)

// Marshal encodes t. Vertices are written in first-use order so the triangle list
// can be high-water-mark encoded; t itself is left untouched.
func (t *Tile) Marshal() ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	o := t.renumbered()

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &o.Header)
	binary.Write(buf, binary.LittleEndian, uint32(o.VertexCount()))
	for _, arr := range [][]uint16{o.U, o.V, o.H} {
		prev := 0
		deltas := make([]uint16, len(arr))
		for i, v := range arr {
			deltas[i] = zigZagEncode(int(v) - prev)
			prev = int(v)
		}
		binary.Write(buf, binary.LittleEndian, deltas)
	}

	wide := o.VertexCount() > large32
	align := 2
	if wide {
		align = 4
	}
	if rem := buf.Len() % align; rem != 0 {
		buf.Write(make([]byte, align-rem))
	}

	binary.Write(buf, binary.LittleEndian, uint32(o.TriangleCount()))
	codes := make([]uint32, len(o.Indices))
	var highest uint32
	for i, idx := range o.Indices {
		if idx > highest {
			return nil, fmt.Errorf("%w: index %d after high-water mark %d", ErrIndexOrder, idx, highest)
		}
		codes[i] = highest - idx
		if idx == highest {
			highest++
		}
	}
	writeIndices(buf, codes, wide)

	for _, edge := range [][]uint32{o.West, o.South, o.East, o.North} {
		binary.Write(buf, binary.LittleEndian, uint32(len(edge)))
		writeIndices(buf, edge, wide)
	}

	if o.Normals != nil {
		payload := make([]byte, 2*len(o.Normals))
		for i, n := range o.Normals {
			payload[2*i], payload[2*i+1] = OctEncode(n)
		}
		writeExtension(buf, ExtOctNormals, payload)
	}
	if o.WaterMask != nil {
		writeExtension(buf, ExtWaterMask, o.WaterMask)
	}
	if o.Metadata != nil {
		payload := make([]byte, 4+len(o.Metadata))
		binary.LittleEndian.PutUint32(payload, uint32(len(o.Metadata)))
		copy(payload[4:], o.Metadata)
		writeExtension(buf, ExtMetadata, payload)
	}
	return buf.Bytes(), nil
}

// MarshalGzip encodes t and compresses the result.
func (t *Tile) MarshalGzip() ([]byte, error) {
	raw, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteTo writes the gzipped encoding of t to w.
func (t *Tile) WriteTo(w io.Writer) (int64, error) {
	data, err := t.MarshalGzip()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (t *Tile) validate() error {
	n := len(t.U)
	if len(t.V) != n || len(t.H) != n {
		return fmt.Errorf("%w: u/v/height lengths %d/%d/%d", ErrInvalidVertex, len(t.U), len(t.V), len(t.H))
	}
	if t.Normals != nil && len(t.Normals) != n {
		return fmt.Errorf("%w: %d normals for %d vertices", ErrInvalidVertex, len(t.Normals), n)
	}
	for i := 0; i < n; i++ {
		if t.U[i] > MaxValue || t.V[i] > MaxValue || t.H[i] > MaxValue {
			return fmt.Errorf("%w: vertex %d", ErrInvalidVertex, i)
		}
	}
	if len(t.Indices)%3 != 0 {
		return fmt.Errorf("%w: %d indices is not a triangle list", ErrInvalidIndex, len(t.Indices))
	}
	for _, list := range [][]uint32{t.Indices, t.West, t.South, t.East, t.North} {
		for _, idx := range list {
			if int(idx) >= n {
				return fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, idx, n)
			}
		}
	}
	return nil
}

// renumbered returns a copy of t whose vertices are ordered by first use in the
// triangle list. Vertices no triangle references keep their relative order at the end.
func (t *Tile) renumbered() *Tile {
	n := t.VertexCount()
	remap := make([]int, n)
	for i := range remap {
		remap[i] = -1
	}
	order := make([]int, 0, n)
	for _, idx := range t.Indices {
		if remap[idx] < 0 {
			remap[idx] = len(order)
			order = append(order, int(idx))
		}
	}
	for i := 0; i < n; i++ {
		if remap[i] < 0 {
			remap[i] = len(order)
			order = append(order, i)
		}
	}

	o := &Tile{
		Header:    t.Header,
		U:         make([]uint16, n),
		V:         make([]uint16, n),
		H:         make([]uint16, n),
		Indices:   remapList(t.Indices, remap),
		West:      remapList(t.West, remap),
		South:     remapList(t.South, remap),
		East:      remapList(t.East, remap),
		North:     remapList(t.North, remap),
		WaterMask: t.WaterMask,
		Metadata:  t.Metadata,
	}
	if t.Normals != nil {
		o.Normals = make([][3]float32, n)
	}
	for newIdx, oldIdx := range order {
		o.U[newIdx], o.V[newIdx], o.H[newIdx] = t.U[oldIdx], t.V[oldIdx], t.H[oldIdx]
		if t.Normals != nil {
			o.Normals[newIdx] = t.Normals[oldIdx]
		}
	}
	return o
}

func remapList(list []uint32, remap []int) []uint32 {
	if list == nil {
		return nil
	}
	out := make([]uint32, len(list))
	for i, idx := range list {
		out[i] = uint32(remap[idx])
	}
	return out
}

func writeIndices(buf *bytes.Buffer, idx []uint32, wide bool) {
	if wide {
		binary.Write(buf, binary.LittleEndian, idx)
		return
	}
	narrow := make([]uint16, len(idx))
	for i, v := range idx {
		narrow[i] = uint16(v)
	}
	binary.Write(buf, binary.LittleEndian, narrow)
}

func writeExtension(buf *bytes.Buffer, id uint8, payload []byte) {
	buf.WriteByte(id)
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
}

// OctDecode expands a two-byte oct-encoded unit vector.
func OctDecode(x, y byte) [3]float32 {
	v := mgl64.Vec3{fromSnorm(x), fromSnorm(y), 0}
	v[2] = 1 - math.Abs(v[0]) - math.Abs(v[1])
	if v[2] < 0 {
		ox := v[0]
		v[0] = (1 - math.Abs(v[1])) * signNotZero(ox)
		v[1] = (1 - math.Abs(ox)) * signNotZero(v[1])
	}
	v = v.Normalize()
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}

// OctEncode packs a unit vector into two bytes.
func OctEncode(n [3]float32) (byte, byte) {
	v := mgl64.Vec3{float64(n[0]), float64(n[1]), float64(n[2])}
	sum := math.Abs(v[0]) + math.Abs(v[1]) + math.Abs(v[2])
	if sum == 0 {
		return toSnorm(0), toSnorm(0)
	}
	x, y := v[0]/sum, v[1]/sum
	if v[2] < 0 {
		ox := x
		x = (1 - math.Abs(y)) * signNotZero(ox)
		y = (1 - math.Abs(ox)) * signNotZero(y)
	}
	return toSnorm(x), toSnorm(y)
}

func fromSnorm(b byte) float64 {
	return float64(b)/255*2 - 1
}

func toSnorm(v float64) byte {
	v = math.Max(-1, math.Min(1, v))
	return byte(math.Round((v*0.5 + 0.5) * 255))
}

func signNotZero(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
