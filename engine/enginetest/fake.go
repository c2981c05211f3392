// Package enginetest provides a scripted engine and output-record builder
// for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/Tutortoise/landmark-tracking-service/detections"
	"github.com/Tutortoise/landmark-tracking-service/engine"
	"github.com/Tutortoise/landmark-tracking-service/models"
)

// Fake returns whatever Output produces. A nil Output yields an empty record.
type Fake struct {
	mu     sync.Mutex
	Output func(frame models.Frame, params models.Params) ([]float32, error)
	calls  int
	frames []models.Frame
	closed bool
}

func (f *Fake) Predict(ctx context.Context, frame models.Frame, params models.Params) ([]float32, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, engine.ErrClosed
	}
	f.calls++
	f.frames = append(f.frames, frame)
	out := f.Output
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return []float32{0}, nil
	}
	return out(frame, params)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Frames() []models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Frame(nil), f.frames...)
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Factory always returns f, reopened.
func Factory(f *Fake) engine.Factory {
	return func(models.EngineConfig) (engine.Engine, error) {
		f.mu.Lock()
		f.closed = false
		f.mu.Unlock()
		return f, nil
	}
}

// FailingFactory returns err for every config.
func FailingFactory(err error) engine.Factory {
	return func(models.EngineConfig) (engine.Engine, error) {
		return nil, err
	}
}

// Record is the subset of a detection the builder writes.
type Record struct {
	Score         float32
	LandmarkScore float32
	Box           models.Box
	Landmarks     []models.Point
}

// Buffer encodes records in layout the way an engine emits them.
func Buffer(layout detections.RecordLayout, records ...Record) []float32 {
	out := make([]float32, layout.Base+len(records)*layout.Stride)
	out[0] = float32(len(records))
	for i, rec := range records {
		start := layout.Base + i*layout.Stride
		h := layout.Header
		set(out, start, h.Score, rec.Score)
		set(out, start, h.LandmarkScore, rec.LandmarkScore)
		if h.Box != detections.Absent {
			copy(out[start+h.Box:], []float32{rec.Box.MinX, rec.Box.MinY, rec.Box.MaxX, rec.Box.MaxY})
		}
		for _, b := range layout.Blocks {
			if b.Kind != detections.BlockLandmarks {
				continue
			}
			for j, p := range rec.Landmarks {
				if j >= b.Count {
					break
				}
				off := start + b.Offset + j*b.Width
				out[off] = p.X
				out[off+1] = p.Y
			}
		}
	}
	return out
}

func set(out []float32, start, off int, v float32) {
	if off != detections.Absent {
		out[start+off] = v
	}
}

// Constant returns an Output producing buf on every call.
func Constant(buf []float32) func(models.Frame, models.Params) ([]float32, error) {
	return func(models.Frame, models.Params) ([]float32, error) {
		return append([]float32(nil), buf...), nil
	}
}
