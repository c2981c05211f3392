package loop

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Tutortoise/landmark-tracking-service/dispatch"
	"github.com/Tutortoise/landmark-tracking-service/logging"
	"github.com/Tutortoise/landmark-tracking-service/models"
)

type Predictor interface {
	Predict(ctx context.Context, params models.Params, img image.Image) (*dispatch.Prediction, error)
}

// Sink receives each delivered result together with the token of its run.
type Sink func(token Token, pred *dispatch.Prediction, err error)

type Loop struct {
	predictor Predictor
	tokens    *TokenSource
	logger    *zap.Logger

	delivered atomic.Int64
	stale     atomic.Int64
	wg        sync.WaitGroup
}

// New returns a loop whose runs are tagged from tokens. The caller owns
// tokens and may advance it to invalidate the running loop.
func New(p Predictor, tokens *TokenSource, logger *zap.Logger) *Loop {
	return &Loop{predictor: p, tokens: tokens, logger: logging.OrNop(logger)}
}

// Start begins a run over frames and returns its token. Starting a run
// supersedes any earlier one. At most one predict per run is in flight.
func (l *Loop) Start(ctx context.Context, frames <-chan image.Image, params models.Params, sink Sink) Token {
	token := l.tokens.Next()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx, token, frames, params, sink)
	}()
	return token
}

func (l *Loop) run(ctx context.Context, token Token, frames <-chan image.Image, params models.Params, sink Sink) {
	for l.tokens.IsCurrent(token) {
		var img image.Image
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			img = frame
		}
		if !l.tokens.IsCurrent(token) {
			return
		}

		pred, err := l.predictor.Predict(ctx, params, img)
		if !l.tokens.IsCurrent(token) {
			l.stale.Add(1)
			l.logger.Debug("discarding stale result", zap.Uint64("token", uint64(token)))
			return
		}
		l.delivered.Add(1)
		sink(token, pred, err)
	}
}

// Cancel advances the token. The running loop stops scheduling frames; a
// predict already in flight completes and its result is discarded.
func (l *Loop) Cancel() {
	l.tokens.Next()
}

// Wait blocks until every started run has returned.
func (l *Loop) Wait() { l.wg.Wait() }

func (l *Loop) Delivered() int64 { return l.delivered.Load() }

func (l *Loop) Stale() int64 { return l.stale.Load() }
