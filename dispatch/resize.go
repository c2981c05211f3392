package dispatch

import (
	"errors"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

var ErrEmptyImage = errors.New("empty image")

// toFrame resizes img into a new frame of width x height. Non-positive
// dimensions keep the source size. The source is never modified.
func toFrame(img image.Image, width, height int) (models.Frame, error) {
	b := img.Bounds()
	if b.Empty() {
		return models.Frame{}, ErrEmptyImage
	}
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}

	var out *image.NRGBA
	if b.Dx() == width && b.Dy() == height {
		out = imaging.Clone(img)
	} else {
		out = imaging.Resize(img, width, height, imaging.Linear)
	}
	return models.Frame{Width: width, Height: height, Pix: out.Pix}, nil
}
