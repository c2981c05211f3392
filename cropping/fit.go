package cropping

import (
	"math"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

// Geometry describes the three coordinate spaces involved in a fit: the
// original image, the resized frame the model saw, and the output surface.
type Geometry struct {
	OrgWidth      float32
	OrgHeight     float32
	ProcessWidth  float32
	ProcessHeight float32
	OutWidth      float32
	OutHeight     float32
}

func (g Geometry) valid() bool {
	for _, v := range []float32{g.OrgWidth, g.OrgHeight, g.ProcessWidth, g.ProcessHeight, g.OutWidth, g.OutHeight} {
		if !(v > 0) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Extension ratios grow the box half-extent on each side by (1+ratio).
type Extension struct {
	Top    float32
	Bottom float32
	Left   float32
	Right  float32
}

// Fit maps a process-space box to an aspect-matched viewport inside the
// original image. It is a pure function; smoothness across frames comes
// from the smoothed box. Degenerate input yields the zero viewport.
func Fit(box models.SmoothedBox, g Geometry, ext Extension) models.Viewport {
	if !g.valid() || !finite(box.XMin, box.XMax, box.YMin, box.YMax) {
		return models.Viewport{}
	}
	orgW, orgH := float64(g.OrgWidth), float64(g.OrgHeight)
	scaleX := orgW / float64(g.ProcessWidth)
	scaleY := orgH / float64(g.ProcessHeight)

	xMin, xMax := float64(box.XMin)*scaleX, float64(box.XMax)*scaleX
	yMin, yMax := float64(box.YMin)*scaleY, float64(box.YMax)*scaleY
	if !(xMax > xMin) || !(yMax > yMin) {
		return models.Viewport{}
	}

	centerX, centerY := (xMin+xMax)/2, (yMin+yMax)/2
	radiusX, radiusY := xMax-centerX, yMax-centerY

	extXMin := clamp(centerX-radiusX*(1+float64(ext.Left)), 0, orgW)
	extXMax := clamp(centerX+radiusX*(1+float64(ext.Right)), 0, orgW)
	extYMin := clamp(centerY-radiusY*(1+float64(ext.Top)), 0, orgH)
	extYMax := clamp(centerY+radiusY*(1+float64(ext.Bottom)), 0, orgH)

	extW, extH := extXMax-extXMin, extYMax-extYMin
	if !(extW > 0) || !(extH > 0) {
		return models.Viewport{}
	}
	extCX, extCY := (extXMin+extXMax)/2, (extYMin+extYMax)/2

	aspect := float64(g.OutHeight) / float64(g.OutWidth)
	var w, h float64
	if extW*aspect > extH {
		w, h = extW, extW*aspect
	} else {
		w, h = extH/aspect, extH
	}
	// the grown rectangle may not fit the image; scale it down keeping the aspect
	if w > orgW {
		h *= orgW / w
		w = orgW
	}
	if h > orgH {
		w *= orgH / h
		h = orgH
	}

	return models.Viewport{
		XMin:   float32(place(extCX, w, orgW)),
		YMin:   float32(place(extCY, h, orgH)),
		Width:  float32(w),
		Height: float32(h),
	}
}

// place centres a span of length size on center, shifting it inside [0, limit].
func place(center, size, limit float64) float64 {
	start := center - size/2
	switch {
	case start < 0:
		return 0
	case start+size > limit:
		return math.Max(0, limit-size)
	default:
		return start
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func finite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
