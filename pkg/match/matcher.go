// Package match implements ImageMatcher: normalized cross-correlation
// template matching over grayscale pixel buffers, per spec §4.4. No
// third-party computer-vision binding appears anywhere in the corpus, so
// the correlation math itself is written against the standard library;
// the resize around it goes through disintegration/imaging
// the same way the corpus already does for screenshot comparison.
package match

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// Match is one template hit in haystack coordinates.
type Match struct {
	X          int
	Y          int
	Confidence float64
}

// ResizeToScreen rescales haystack to the workflow's authored resolution
// when the live device screen differs, per spec §4.4's coordinate-space
// normalization rule.
func ResizeToScreen(haystack image.Image, width, height int) image.Image {
	b := haystack.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return haystack
	}
	return imaging.Resize(haystack, width, height, imaging.Lanczos)
}

// grayBuffer is a flat row-major buffer of luma samples in [0, 65535].
type grayBuffer struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image) *grayBuffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := &grayBuffer{w: w, h: h, pix: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// Rec. 601 luma, computed on the 16-bit RGBA() samples.
			lum := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
			buf.pix[y*w+x] = lum
		}
	}
	return buf
}

func (g *grayBuffer) at(x, y int) float64 { return g.pix[y*g.w+x] }

// correlationAt computes the zero-mean normalized cross-correlation
// between needle and the haystack window whose top-left corner is (ox,oy).
// Returns a value in [-1, 1]; NaN-safe via the epsilon guard on variance.
func correlationAt(haystack, needle *grayBuffer, ox, oy int) float64 {
	n := float64(needle.w * needle.h)
	if n == 0 {
		return 0
	}

	var sumH, sumN float64
	for y := 0; y < needle.h; y++ {
		for x := 0; x < needle.w; x++ {
			sumH += haystack.at(ox+x, oy+y)
			sumN += needle.at(x, y)
		}
	}
	meanH := sumH / n
	meanN := sumN / n

	var num, denomH, denomN float64
	for y := 0; y < needle.h; y++ {
		for x := 0; x < needle.w; x++ {
			dh := haystack.at(ox+x, oy+y) - meanH
			dn := needle.at(x, y) - meanN
			num += dh * dn
			denomH += dh * dh
			denomN += dn * dn
		}
	}

	const epsilon = 1e-9
	denom := denomH * denomN
	if denom < epsilon {
		return 0
	}
	return num / math.Sqrt(denom)
}

// matchAll scans every valid offset and returns matches at or above
// threshold, after non-maximum suppression with radius =
// min(needleW, needleH)/2, per spec §4.4.
func matchAll(haystack, needle image.Image, threshold float64) []Match {
	hg := toGray(haystack)
	ng := toGray(needle)

	maxX := hg.w - ng.w
	maxY := hg.h - ng.h
	if maxX < 0 || maxY < 0 {
		return nil
	}

	var raw []Match
	for oy := 0; oy <= maxY; oy++ {
		for ox := 0; ox <= maxX; ox++ {
			conf := correlationAt(hg, ng, ox, oy)
			if conf >= threshold {
				raw = append(raw, Match{X: ox, Y: oy, Confidence: conf})
			}
		}
	}

	radius := ng.w
	if ng.h < radius {
		radius = ng.h
	}
	radius /= 2

	return suppressNonMaxima(raw, radius)
}

// suppressNonMaxima greedily keeps the highest-confidence match in each
// radius-neighborhood, discarding lower-confidence matches too close to an
// already-kept one.
func suppressNonMaxima(matches []Match, radius int) []Match {
	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })

	var kept []Match
	for _, m := range matches {
		overlaps := false
		for _, k := range kept {
			dx := m.X - k.X
			dy := m.Y - k.Y
			if dx*dx+dy*dy <= radius*radius {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	return kept
}

// BestMatch returns the single highest-confidence match at or above
// threshold, or ok=false if none clears it.
func BestMatch(haystack, needle image.Image, threshold float64) (m Match, ok bool) {
	matches := matchAll(haystack, needle, threshold)
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	for _, candidate := range matches[1:] {
		if candidate.Confidence > best.Confidence {
			best = candidate
		}
	}
	return best, true
}

// MatchAll returns every non-maximum-suppressed match at or above
// threshold, in descending-confidence order (the order find_all_click's
// match_all=true mode taps in, per spec §4.6).
func MatchAll(haystack, needle image.Image, threshold float64) []Match {
	matches := matchAll(haystack, needle, threshold)
	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

// Center returns the tap point for a match given the needle's dimensions.
func Center(m Match, needle image.Image) (x, y int) {
	b := needle.Bounds()
	return m.X + b.Dx()/2, m.Y + b.Dy()/2
}
