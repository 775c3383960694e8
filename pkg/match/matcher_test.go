package match

import (
	"image"
	"image/color"
	"testing"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// paste draws src onto dst at (x, y).
func paste(dst *image.RGBA, src image.Image, x, y int) {
	b := src.Bounds()
	for sy := 0; sy < b.Dy(); sy++ {
		for sx := 0; sx < b.Dx(); sx++ {
			dst.Set(x+sx, y+sy, src.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
}

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestBestMatchFindsExactPlacement(t *testing.T) {
	haystack := solid(100, 100, color.RGBA{20, 20, 20, 255})
	needle := checkerboard(10, 10)
	paste(haystack, needle, 40, 55)

	m, ok := BestMatch(haystack, needle, 0.8)
	if !ok {
		t.Fatalf("expected a match")
	}
	if m.X != 40 || m.Y != 55 {
		t.Fatalf("expected match at (40,55), got (%d,%d)", m.X, m.Y)
	}
	if m.Confidence < 0.99 {
		t.Fatalf("expected near-perfect confidence, got %f", m.Confidence)
	}
}

func TestBestMatchBelowThresholdReturnsNotFound(t *testing.T) {
	haystack := solid(50, 50, color.RGBA{10, 10, 10, 255})
	needle := checkerboard(8, 8)

	_, ok := BestMatch(haystack, needle, 0.99)
	if ok {
		t.Fatalf("expected no match on a featureless haystack")
	}
}

func TestMatchAllSuppressesOverlappingPeaks(t *testing.T) {
	haystack := solid(120, 60, color.RGBA{5, 5, 5, 255})
	needle := checkerboard(10, 10)
	// Two placements far enough apart that NMS should keep both.
	paste(haystack, needle, 5, 5)
	paste(haystack, needle, 90, 5)

	matches := MatchAll(haystack, needle, 0.9)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(matches), matches)
	}
}

func TestMatchAllOrdersByDescendingConfidence(t *testing.T) {
	haystack := solid(120, 60, color.RGBA{5, 5, 5, 255})
	needle := checkerboard(10, 10)
	paste(haystack, needle, 5, 5)
	paste(haystack, needle, 90, 5)

	matches := MatchAll(haystack, needle, 0.5)
	for i := 1; i < len(matches); i++ {
		if matches[i].Confidence > matches[i-1].Confidence {
			t.Fatalf("expected descending confidence order, got %+v", matches)
		}
	}
}

func TestCenterReturnsMidpoint(t *testing.T) {
	needle := checkerboard(10, 20)
	x, y := Center(Match{X: 5, Y: 5}, needle)
	if x != 10 || y != 15 {
		t.Fatalf("expected center (10,15), got (%d,%d)", x, y)
	}
}
