package cloudassist

import (
	"fmt"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

const (
	hashSize = 32
	hashLow  = 8
)

// cacheKey identifies visually equivalent ROIs: a DCT perceptual hash plus
// a coarse lighting bucket so a lamp switching on misses the cache.
func cacheKey(img image.Image) string {
	gray := image.NewGray(image.Rect(0, 0, hashSize, hashSize))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)
	return fmt.Sprintf("%s:%d", perceptualHash(gray), lightingBucket(img))
}

// perceptualHash returns 16 hex chars: the 8x8 low-frequency DCT block
// thresholded at its median.
func perceptualHash(gray *image.Gray) string {
	var px [hashSize][hashSize]float64
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			px[y][x] = float64(gray.GrayAt(x, y).Y)
		}
	}

	// Orthonormal DCT-II, low band only.
	var cos [hashLow][hashSize]float64
	for u := 0; u < hashLow; u++ {
		for x := 0; x < hashSize; x++ {
			cos[u][x] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / (2 * hashSize))
		}
	}
	scale := func(u int) float64 {
		if u == 0 {
			return math.Sqrt(1.0 / hashSize)
		}
		return math.Sqrt(2.0 / hashSize)
	}

	coeffs := make([]float64, 0, hashLow*hashLow)
	for v := 0; v < hashLow; v++ {
		for u := 0; u < hashLow; u++ {
			var sum float64
			for y := 0; y < hashSize; y++ {
				for x := 0; x < hashSize; x++ {
					sum += px[y][x] * cos[u][x] * cos[v][y]
				}
			}
			coeffs = append(coeffs, sum*scale(u)*scale(v))
		}
	}

	sorted := append([]float64(nil), coeffs...)
	sort.Float64s(sorted)
	median := (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2

	var bits uint64
	for _, c := range coeffs {
		bits <<= 1
		if c > median {
			bits |= 1
		}
	}
	return fmt.Sprintf("%016x", bits)
}

// lightingBucket is the mean gray level divided by 20.
func lightingBucket(img image.Image) int {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
			n++
		}
	}
	return int(sum / float64(n) / 20)
}
