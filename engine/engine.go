// Package engine runs landmark models and returns their raw float output.
// The numerics live in the model; this package only shapes tensors around it.
package engine

import (
	"context"
	"errors"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

var (
	ErrClosed    = errors.New("engine is closed")
	ErrFrameSize = errors.New("frame does not match buffer size")
)

// Engine produces the flat output record for one frame. Implementations are
// not required to be safe for concurrent Predict calls.
type Engine interface {
	Predict(ctx context.Context, frame models.Frame, params models.Params) ([]float32, error)
	Close() error
}

// Factory builds an engine for a session configuration.
type Factory func(cfg models.EngineConfig) (Engine, error)
