package detections

import (
	"fmt"
	"math"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

// Reader is a cursor over engine output that validates bounds before each read.
type Reader struct {
	buf []float32
	pos int
}

func NewReader(buf []float32) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Len() int      { return len(r.buf) }
func (r *Reader) Position() int { return r.pos }

// Seek moves the cursor to an absolute float index.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return fmt.Errorf("%w: seek to %d in buffer of %d", ErrOutOfBounds, pos, len(r.buf))
	}
	r.pos = pos
	return nil
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: read %d at %d in buffer of %d", ErrOutOfBounds, n, r.pos, len(r.buf))
	}
	return nil
}

// finite rejects NaN and infinities in the next n floats, which no consumer
// of a record can encode.
func (r *Reader) finite(n int) error {
	for i, v := range r.buf[r.pos : r.pos+n] {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: %v at %d", ErrNonFinite, v, r.pos+i)
		}
	}
	return nil
}

func (r *Reader) take(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	return r.finite(n)
}

func (r *Reader) Float32() (float32, error) {
	if err := r.take(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Floats returns a copy of the next n floats.
func (r *Reader) Floats(n int) ([]float32, error) {
	if err := r.take(n); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *Reader) Point() (models.Point, error) {
	if err := r.take(2); err != nil {
		return models.Point{}, err
	}
	p := models.Point{X: r.buf[r.pos], Y: r.buf[r.pos+1]}
	r.pos += 2
	return p, nil
}

func (r *Reader) Box() (models.Box, error) {
	if err := r.take(4); err != nil {
		return models.Box{}, err
	}
	b := models.Box{
		MinX: r.buf[r.pos],
		MinY: r.buf[r.pos+1],
		MaxX: r.buf[r.pos+2],
		MaxY: r.buf[r.pos+3],
	}
	r.pos += 4
	return b, nil
}

// Keypoint reads one keypoint of the given width (2, 3 or 5 floats).
func (r *Reader) Keypoint(width int) (models.Keypoint, error) {
	if width != 2 && width != 3 && width != 5 {
		return models.Keypoint{}, fmt.Errorf("%w: keypoint width %d", ErrBadLayout, width)
	}
	if err := r.take(width); err != nil {
		return models.Keypoint{}, err
	}
	v := r.buf[r.pos : r.pos+width]
	kp := models.Keypoint{X: v[0], Y: v[1]}
	if width >= 3 {
		kp.Z = v[2]
	}
	if width == 5 {
		// the engine writes one value for both score and visibility
		kp.Score = v[3]
		kp.Visibility = v[3]
		kp.Presence = v[4]
	}
	r.pos += width
	return kp, nil
}
