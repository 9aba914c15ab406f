package layer

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// hgtVoid marks SRTM samples without data.
const hgtVoid = -32768

// LoadHGT reads an SRTM .hgt tile (or a .hgt.zip holding one). The tile is named
// after its south-west corner, e.g. N45E006.hgt, and holds 1201x1201 (SRTM3) or
// 3601x3601 (SRTM1) big-endian int16 samples, north row first.
func LoadHGT(path string) (*Grid, error) {
	base := filepath.Base(path)
	var data []byte
	var err error
	if strings.HasSuffix(strings.ToLower(base), ".zip") {
		data, err = readZippedHGT(path)
		base = strings.TrimSuffix(base, filepath.Ext(base))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	lon, lat, err := parseHGTName(base)
	if err != nil {
		return nil, err
	}
	return ParseHGT(strings.TrimSuffix(base, filepath.Ext(base)), data, lon, lat)
}

// ParseHGT decodes raw .hgt samples for the one-degree cell whose south-west
// corner is (lon, lat).
func ParseHGT(name string, data []byte, lon, lat float64) (*Grid, error) {
	var size int
	switch len(data) {
	case 1201 * 1201 * 2:
		size = 1201
	case 3601 * 3601 * 2:
		size = 3601
	default:
		return nil, fmt.Errorf("%w: %d bytes is not an SRTM tile", ErrUnsupportedFile, len(data))
	}

	heights := make([]float64, size*size)
	for i := range heights {
		v := int16(binary.BigEndian.Uint16(data[2*i:]))
		if v == hgtVoid {
			heights[i] = math.NaN()
			continue
		}
		heights[i] = float64(v)
	}
	extent := orb.Bound{Min: orb.Point{lon, lat}, Max: orb.Point{lon + 1, lat + 1}}
	return NewGrid(name, crs.WGS84, extent, size, size, heights)
}

func readZippedHGT(path string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".hgt") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%w: no .hgt entry in %s", ErrUnsupportedFile, path)
}

func parseHGTName(name string) (lon, lat float64, err error) {
	upper := strings.ToUpper(name)
	var ns, ew byte
	var latDeg, lonDeg int
	if len(upper) < 7 {
		return 0, 0, fmt.Errorf("%w: tile name %q", ErrUnsupportedFile, name)
	}
	if _, err := fmt.Sscanf(upper[:7], "%c%2d%c%3d", &ns, &latDeg, &ew, &lonDeg); err != nil {
		return 0, 0, fmt.Errorf("%w: tile name %q", ErrUnsupportedFile, name)
	}
	switch ns {
	case 'N':
	case 'S':
		latDeg = -latDeg
	default:
		return 0, 0, fmt.Errorf("%w: tile name %q", ErrUnsupportedFile, name)
	}
	switch ew {
	case 'E':
	case 'W':
		lonDeg = -lonDeg
	default:
		return 0, 0, fmt.Errorf("%w: tile name %q", ErrUnsupportedFile, name)
	}
	return float64(lonDeg), float64(latDeg), nil
}
