package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Faultbox/terra3d/internal/tilesource"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.terrain | z/x/y>",
	Short: "Show the contents of a quantized-mesh tile",
	Long: `Inspect decodes one quantized-mesh tile and prints its header, counts and
extensions. The argument is either a .terrain file (gzipped or not) or a tile
address fetched from the configured terrain source.

Examples:
  terra3d inspect tiles/9/530/385.terrain
  terra3d inspect 9/530/385 --source https://tiles.example.com/{z}/{x}/{y}.terrain`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tile, err := loadTile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTile(cmd.OutOrStdout(), args[0], tile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func loadTile(ctx context.Context, arg string) (*qmesh.Tile, error) {
	if _, err := os.Stat(arg); err == nil {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		return qmesh.Parse(data)
	}

	a, err := tiling.ParseAddress(arg)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a file nor a tile address", arg)
	}
	qc := cfg.Terrain.QuantizedMesh
	if qc.Source == "" {
		return nil, fmt.Errorf("no terrain source configured to fetch %s from", a)
	}
	src, err := tilesource.Open(qc.Source, tilesource.HTTPOptions{
		Subdomains: qc.Subdomains,
		CacheDir:   qc.CacheDir,
		Timeout:    qc.Timeout,
	}, log)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return src.Fetch(ctx, a)
}

func printTile(w io.Writer, name string, t *qmesh.Tile) {
	h := t.Header
	fmt.Fprintf(w, "Tile:       %s\n", name)
	fmt.Fprintf(w, "Center:     %.3f %.3f %.3f\n", h.CenterX, h.CenterY, h.CenterZ)
	fmt.Fprintf(w, "Heights:    %.2f .. %.2f m\n", h.MinimumHeight, h.MaximumHeight)
	fmt.Fprintf(w, "Sphere:     %.3f %.3f %.3f r=%.3f\n",
		h.BoundingSphereCenterX, h.BoundingSphereCenterY, h.BoundingSphereCenterZ, h.BoundingSphereRadius)
	fmt.Fprintf(w, "Horizon:    %.6f %.6f %.6f\n",
		h.HorizonOcclusionPointX, h.HorizonOcclusionPointY, h.HorizonOcclusionPointZ)
	fmt.Fprintf(w, "Vertices:   %d\n", t.VertexCount())
	fmt.Fprintf(w, "Triangles:  %d\n", t.TriangleCount())
	fmt.Fprintf(w, "Edges:      west %d, south %d, east %d, north %d\n",
		len(t.West), len(t.South), len(t.East), len(t.North))

	var ext []string
	if t.Normals != nil {
		ext = append(ext, "normals")
	}
	switch len(t.WaterMask) {
	case 0:
	case 1:
		ext = append(ext, fmt.Sprintf("watermask(%d)", t.WaterMask[0]))
	default:
		ext = append(ext, "watermask(256x256)")
	}
	if len(t.Metadata) > 0 {
		ext = append(ext, "metadata")
	}
	if len(ext) == 0 {
		ext = append(ext, "none")
	}
	fmt.Fprintf(w, "Extensions: %s\n", strings.Join(ext, ", "))
	if len(t.Metadata) > 0 {
		fmt.Fprintf(w, "Metadata:   %s\n", t.Metadata)
	}
}
