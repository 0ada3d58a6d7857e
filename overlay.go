package main

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// overlayAnchorMargin is the fixed top-left anchor for the annotation, in
// pixels of the target frame.
const overlayAnchorMargin = 16

// overlayTargetHeight is the glyph height the overlay is scaled towards,
// matching the large banner the original renderer produced.
const overlayTargetHeight = 50

var namedOverlayColors = map[string]color.RGBA{
	"red":     {R: 0xff, A: 0xff},
	"green":   {G: 0xff, A: 0xff},
	"blue":    {B: 0xff, A: 0xff},
	"yellow":  {R: 0xff, G: 0xff, A: 0xff},
	"cyan":    {G: 0xff, B: 0xff, A: 0xff},
	"magenta": {R: 0xff, B: 0xff, A: 0xff},
	"orange":  {R: 0xff, G: 0xa5, A: 0xff},
	"white":   {R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	"black":   {A: 0xff},
}

// parseOverlayColor resolves a color name or "#RRGGBB" value. Unknown
// values fall back to red, the original plugin's default.
func parseOverlayColor(s string) color.RGBA {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedOverlayColors[s]; ok {
		return c
	}
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		if v, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return color.RGBA{
				R: uint8(v >> 16),
				G: uint8(v >> 8),
				B: uint8(v),
				A: 0xff,
			}
		}
	}
	return namedOverlayColors["red"]
}

// renderOverlayText rasterizes text in the given color at the basicfont
// size, then scales it up towards overlayTargetHeight. The result is an
// RGBA image with transparent background, ready to composite.
func renderOverlayText(text string, col color.RGBA, maxWidth int) image.Image {
	face := basicfont.Face7x13

	d := &font.Drawer{
		Src:  image.NewUniform(col),
		Face: face,
	}
	w := d.MeasureString(text).Ceil()
	if w <= 0 {
		w = 1
	}
	h := face.Height

	txt := image.NewRGBA(image.Rect(0, 0, w, h))
	d.Dst = txt
	d.Dot = fixed.P(0, face.Ascent)
	d.DrawString(text)

	scale := overlayTargetHeight / h
	if scale < 1 {
		scale = 1
	}
	// Keep the banner inside the frame.
	for scale > 1 && w*scale > maxWidth-2*overlayAnchorMargin {
		scale--
	}
	if scale == 1 {
		return txt
	}
	return resize.Resize(uint(w*scale), uint(h*scale), txt, resize.NearestNeighbor)
}

// applyOverlay composites the rendered annotation onto dst at the fixed
// top-left anchor. dst is the caller's own copy of the frame; the source
// instance is never touched.
func applyOverlay(dst *image.RGBA, text string, col color.RGBA) {
	banner := renderOverlayText(text, col, dst.Bounds().Dx())
	target := banner.Bounds().Add(image.Pt(overlayAnchorMargin, overlayAnchorMargin))
	draw.Draw(dst, target, banner, banner.Bounds().Min, draw.Over)
}
