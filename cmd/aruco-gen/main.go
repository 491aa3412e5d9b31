// aruco-gen: prints the ArUco markers the routines ask for. Writes one
// labelled PNG per marker plus a sheet with all of them.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/teslashibe/go-mirror/internal/log"
	arucocv "github.com/teslashibe/go-mirror/pkg/aruco/opencv"
	"github.com/teslashibe/go-mirror/pkg/task"
	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	margin      = 40
	labelHeight = 30
	sheetCols   = 3
)

func main() {
	idsFlag := flag.String("ids", "", "Comma-separated marker ids (default: every marker the task catalog uses)")
	tasksPath := flag.String("tasks", "config/tasks.json", "Task catalog used when -ids is empty")
	size := flag.Int("size", 400, "Marker edge in pixels")
	out := flag.String("out", "markers", "Output directory")
	flag.Parse()

	log.Init("info")
	logger := log.Component("aruco-gen")

	ids, err := parseIDs(*idsFlag)
	if err != nil {
		logger.Error("bad -ids", "error", err)
		os.Exit(2)
	}
	if len(ids) == 0 {
		catalog, err := task.LoadCatalog(*tasksPath)
		if err != nil {
			logger.Error("load tasks", "error", err)
			os.Exit(1)
		}
		ids = catalogMarkers(catalog)
	}
	if len(ids) == 0 {
		logger.Error("no markers to generate")
		os.Exit(1)
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		logger.Error("create output dir", "error", err)
		os.Exit(1)
	}

	var tiles []image.Image
	for _, id := range ids {
		tile, err := renderMarker(id, *size)
		if err != nil {
			logger.Error("render marker", "id", id, "error", err)
			os.Exit(1)
		}
		path := filepath.Join(*out, fmt.Sprintf("marker_%d.png", id))
		if err := writePNG(path, tile); err != nil {
			logger.Error("write marker", "path", path, "error", err)
			os.Exit(1)
		}
		tiles = append(tiles, tile)
	}

	sheet := filepath.Join(*out, "sheet.png")
	if err := writePNG(sheet, composeSheet(tiles)); err != nil {
		logger.Error("write sheet", "error", err)
		os.Exit(1)
	}
	fmt.Printf("✅ %d markers (DICT_5X5_250) written to %s\n", len(ids), *out)
}

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 || id >= 250 {
			return nil, fmt.Errorf("marker id %q must be 0-249", part)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// catalogMarkers returns every marker id a step requires, sorted.
func catalogMarkers(c *task.Catalog) []int {
	var ids []int
	for _, s := range c.Summaries() {
		t, err := c.Get(s.ID)
		if err != nil {
			continue
		}
		for _, step := range t.Steps {
			if id, ok := step.HasMarker(); ok {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// renderMarker draws the marker on a white tile with its id underneath.
func renderMarker(id, size int) (image.Image, error) {
	mat := gocv.NewMat()
	defer mat.Close()
	if err := gocv.ArucoGenerateImageMarker(arucocv.Dictionary, id, size, mat, 1); err != nil {
		return nil, err
	}
	marker, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert marker: %w", err)
	}

	w := size + 2*margin
	h := size + 2*margin + labelHeight
	tile := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(tile, tile.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(tile, image.Rect(margin, margin, margin+size, margin+size), marker, marker.Bounds().Min, draw.Src)

	d := &font.Drawer{
		Dst:  tile,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	label := fmt.Sprintf("ArUco 5x5 #%d", id)
	d.Dot = fixed.P((w-d.MeasureString(label).Round())/2, margin+size+labelHeight)
	d.DrawString(label)
	return tile, nil
}

func composeSheet(tiles []image.Image) image.Image {
	tw, th := tiles[0].Bounds().Dx(), tiles[0].Bounds().Dy()
	cols := min(len(tiles), sheetCols)
	rows := (len(tiles) + cols - 1) / cols

	sheet := image.NewRGBA(image.Rect(0, 0, cols*tw, rows*th))
	draw.Draw(sheet, sheet.Bounds(), image.White, image.Point{}, draw.Src)
	for i, tile := range tiles {
		x, y := (i%cols)*tw, (i/cols)*th
		draw.Draw(sheet, image.Rect(x, y, x+tw, y+th), tile, image.Point{}, draw.Src)
	}
	return sheet
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
