// Package dispatch runs per-frame inference either in-process or on a worker
// reached through a transport, then smooths the results of the session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/landmark-tracking-service/cropping"
	"github.com/Tutortoise/landmark-tracking-service/engine"
	"github.com/Tutortoise/landmark-tracking-service/logging"
	"github.com/Tutortoise/landmark-tracking-service/models"
	"github.com/Tutortoise/landmark-tracking-service/protocol"
	"github.com/Tutortoise/landmark-tracking-service/smoothing"
	"github.com/Tutortoise/landmark-tracking-service/transport"
	"github.com/Tutortoise/landmark-tracking-service/worker"
)

var (
	ErrWorkerUnavailable = errors.New("worker unavailable: restart limit reached")
	ErrClosed            = errors.New("dispatcher is closed")
)

type Mode int

const (
	ModeLocal Mode = iota
	ModeWorker
)

func (m Mode) String() string {
	if m == ModeLocal {
		return "local"
	}
	return "worker"
}

// InitError is fatal: the engine could not be brought up.
type InitError struct {
	Mode   Mode
	Reason string
	Cause  error
}

func (e *InitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s init: %s: %v", e.Mode, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s init: %s", e.Mode, e.Reason)
}

func (e *InitError) Unwrap() error { return e.Cause }

type Config struct {
	Engine models.EngineConfig
	// ProcessOnLocal forces in-process inference.
	ProcessOnLocal bool
	// UseWorkerOnSingleCore allows a worker on single-CPU hosts, where it
	// usually only adds copying.
	UseWorkerOnSingleCore bool
	// WorkerURL selects a remote websocket worker instead of an in-process one.
	WorkerURL      string
	RequestTimeout time.Duration
	InitTimeout    time.Duration
	MaxRestarts    int
}

// Dialer opens a connection to a worker.
type Dialer func(ctx context.Context) (transport.Conn, error)

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

func WithEngineFactory(f engine.Factory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithDialer replaces the default worker connection.
func WithDialer(dial Dialer) Option {
	return func(d *Dispatcher) { d.dial = dial }
}

func withNumCPU(n int) Option {
	return func(d *Dispatcher) { d.numCPU = n }
}

// Prediction is the outcome of one frame. NotReady is set, with no error,
// when no engine is loaded yet or the worker could not answer in time.
type Prediction struct {
	Operation     models.OperationType     `json:"operation"`
	NotReady      bool                     `json:"not_ready"`
	Detections    []models.DetectionRecord `json:"detections"`
	Smoothed      *smoothing.Result        `json:"smoothed,omitempty"`
	ProcessWidth  int                      `json:"process_width"`
	ProcessHeight int                      `json:"process_height"`
	Timings       models.ProcessingTimings `json:"-"`
}

type state int

const (
	stateNew state = iota
	stateReady
	stateDead
	stateFailed
	stateClosed
)

type Dispatcher struct {
	cfg     Config
	mode    Mode
	numCPU  int
	id      string
	factory engine.Factory
	dial    Dialer
	logger  *zap.Logger
	metrics *Metrics
	pending *pendingTable
	uids    *uidSource

	mu        sync.Mutex
	state     state
	initErr   error
	conn      *workerConn
	sessionID string
	restarts  int

	localMu sync.Mutex
	local   *worker.Processor

	windowMu sync.Mutex
	window   smoothing.Window
}

func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}

	d := &Dispatcher{
		cfg:     cfg,
		numCPU:  runtime.NumCPU(),
		id:      uuid.NewString(),
		factory: engine.NewONNXFactory(""),
		logger:  zap.NewNop(),
		metrics: &Metrics{},
		pending: newPendingTable(),
		uids:    &uidSource{now: time.Now},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.mode = selectMode(cfg, d.numCPU)
	if d.dial == nil {
		d.dial = d.defaultDialer()
	}
	d.logger = d.logger.With(zap.String("dispatcher", d.id), zap.Stringer("mode", d.mode))
	return d
}

// selectMode keeps inference local when asked to, or on a single CPU where
// an in-process worker only competes with the caller.
func selectMode(cfg Config, numCPU int) Mode {
	if cfg.ProcessOnLocal {
		return ModeLocal
	}
	if numCPU <= 1 && !cfg.UseWorkerOnSingleCore && cfg.WorkerURL == "" {
		return ModeLocal
	}
	return ModeWorker
}

func (d *Dispatcher) defaultDialer() Dialer {
	if d.cfg.WorkerURL != "" {
		url := d.cfg.WorkerURL
		return func(ctx context.Context) (transport.Conn, error) {
			return transport.Dial(ctx, url)
		}
	}
	return func(ctx context.Context) (transport.Conn, error) {
		client, server := transport.NewPipe()
		w := worker.New(d.factory, d.logger.Named("worker"))
		go func() {
			if err := w.Serve(context.Background(), server); err != nil {
				d.logger.Warn("in-process worker stopped", zap.Error(err))
			}
		}()
		return client, nil
	}
}

func (d *Dispatcher) Mode() Mode { return d.mode }

func (d *Dispatcher) Metrics() MetricsSnapshot {
	s := d.metrics.snapshot()
	s.Mode = d.mode.String()
	s.Pending = d.pending.len()
	return s
}

// Init loads the engine, locally or by initializing the worker. Errors are
// *InitError and leave the dispatcher unusable.
func (d *Dispatcher) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateClosed:
		return ErrClosed
	case stateReady:
		return nil
	}
	if err := d.initLocked(ctx); err != nil {
		d.state = stateFailed
		d.initErr = err
		return err
	}
	return nil
}

func (d *Dispatcher) initLocked(ctx context.Context) error {
	start := time.Now()
	var err error
	if d.mode == ModeLocal {
		err = d.initLocal()
	} else {
		err = d.initWorker(ctx)
	}
	if err != nil {
		d.logger.Error("init failed", zap.Error(err))
		return err
	}
	d.state = stateReady
	d.initErr = nil
	d.logger.Info("engine ready",
		zap.String("operation", string(d.cfg.Engine.Operation)),
		zap.String("session", d.sessionID),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (d *Dispatcher) initLocal() error {
	eng, err := d.factory(d.cfg.Engine)
	if err != nil {
		return &InitError{Mode: ModeLocal, Reason: "engine", Cause: err}
	}
	p, err := worker.NewProcessor(eng, d.cfg.Engine.Operation)
	if err != nil {
		return &InitError{Mode: ModeLocal, Reason: "processor", Cause: multierr.Append(err, eng.Close())}
	}
	d.localMu.Lock()
	d.local = p
	d.localMu.Unlock()
	d.sessionID = uuid.NewString()
	return nil
}

// workerConn is one worker connection and its reader goroutine.
type workerConn struct {
	conn   transport.Conn
	cancel context.CancelFunc
	initCh chan protocol.Message
	lost   chan struct{}
	err    error
	once   sync.Once
}

func (wc *workerConn) shutdown() {
	wc.once.Do(func() {
		wc.cancel()
		_ = wc.conn.Close()
	})
}

func (d *Dispatcher) initWorker(ctx context.Context) error {
	conn, err := d.dial(ctx)
	if err != nil {
		return &InitError{Mode: ModeWorker, Reason: "dial", Cause: err}
	}
	readCtx, cancel := context.WithCancel(context.Background())
	wc := &workerConn{
		conn:   conn,
		cancel: cancel,
		initCh: make(chan protocol.Message, 1),
		lost:   make(chan struct{}),
	}
	go d.readLoop(readCtx, wc)

	if err := conn.Send(ctx, protocol.Initialize{Config: d.cfg.Engine}); err != nil {
		wc.shutdown()
		return &InitError{Mode: ModeWorker, Reason: "send initialize", Cause: err}
	}

	timer := time.NewTimer(d.cfg.InitTimeout)
	defer timer.Stop()
	select {
	case m := <-wc.initCh:
		switch msg := m.(type) {
		case protocol.Initialized:
			d.conn = wc
			d.sessionID = msg.SessionID
			return nil
		case protocol.InitFailed:
			wc.shutdown()
			return &InitError{Mode: ModeWorker, Reason: msg.Reason}
		}
		wc.shutdown()
		return &InitError{Mode: ModeWorker, Reason: fmt.Sprintf("unexpected %s", m.Kind())}
	case <-wc.lost:
		wc.shutdown()
		return &InitError{Mode: ModeWorker, Reason: "connection lost", Cause: wc.err}
	case <-timer.C:
		wc.shutdown()
		return &InitError{Mode: ModeWorker, Reason: fmt.Sprintf("no response within %s", d.cfg.InitTimeout)}
	case <-ctx.Done():
		wc.shutdown()
		return &InitError{Mode: ModeWorker, Reason: "cancelled", Cause: ctx.Err()}
	}
}

func (d *Dispatcher) readLoop(ctx context.Context, wc *workerConn) {
	for {
		m, err := wc.conn.Receive(ctx)
		if err != nil {
			var frameErr *transport.DecodeFrameError
			if errors.As(err, &frameErr) {
				d.logger.Warn("undecodable worker message", zap.Error(err))
				continue
			}
			wc.err = err
			close(wc.lost)
			if ctx.Err() == nil {
				d.workerLost(wc, err)
			}
			return
		}

		switch msg := m.(type) {
		case protocol.Initialized, protocol.InitFailed:
			select {
			case wc.initCh <- msg:
			default:
				d.logger.Warn("unexpected init response", zap.String("kind", string(msg.Kind())))
			}
		case protocol.Predicted, protocol.NotReady:
			uid, _ := protocol.UIDOf(msg)
			if !d.pending.resolve(uid, msg) {
				d.metrics.incMismatches()
				d.logger.Warn("response for unknown request", zap.Float64("uid", uid), zap.String("kind", string(msg.Kind())))
			}
		default:
			d.logger.Warn("unexpected worker message", zap.String("kind", string(msg.Kind())))
		}
	}
}

// workerLost marks the worker dead and wakes every waiting request.
func (d *Dispatcher) workerLost(wc *workerConn, err error) {
	d.mu.Lock()
	if d.conn == wc {
		d.conn = nil
		if d.state == stateReady {
			d.state = stateDead
		}
		d.logger.Warn("worker lost", zap.Error(err))
	}
	d.mu.Unlock()
	wc.shutdown()
	d.pending.failAll()
}

// acquire returns the connection or processor to use for the next frame, or
// neither when the frame should resolve to NotReady. A dead worker is
// restarted while restarts remain.
func (d *Dispatcher) acquire(ctx context.Context) (*workerConn, *worker.Processor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateNew:
		return nil, nil, nil
	case stateFailed:
		return nil, nil, d.initErr
	case stateClosed:
		return nil, nil, ErrClosed
	case stateDead:
		if d.restarts >= d.cfg.MaxRestarts {
			return nil, nil, ErrWorkerUnavailable
		}
		d.restarts++
		d.metrics.incRestarts()
		d.logger.Info("restarting worker", zap.Int("attempt", d.restarts), zap.Int("max", d.cfg.MaxRestarts))
		if err := d.initLocked(ctx); err != nil {
			return nil, nil, nil
		}
	}

	if d.mode == ModeLocal {
		d.localMu.Lock()
		defer d.localMu.Unlock()
		return nil, d.local, nil
	}
	return d.conn, nil, nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeFailed
	outcomeNotReady
)

// Predict resizes img to the process size in params and runs one frame.
func (d *Dispatcher) Predict(ctx context.Context, params models.Params, img image.Image) (*Prediction, error) {
	start := time.Now()
	frame, err := toFrame(img, params.ProcessWidth, params.ProcessHeight)
	if err != nil {
		return nil, err
	}
	resize := time.Since(start)

	pred, err := d.PredictFrame(ctx, params, frame)
	if pred != nil {
		pred.Timings.Resize = resize
		pred.Timings.Total = time.Since(start)
	}
	return pred, err
}

// PredictFrame runs a frame that is already at process size. Ownership of
// frame.Pix passes to the dispatcher.
func (d *Dispatcher) PredictFrame(ctx context.Context, params models.Params, frame models.Frame) (*Prediction, error) {
	start := time.Now()
	if !frame.Valid() {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", engine.ErrFrameSize, frame.Width, frame.Height, len(frame.Pix))
	}

	wc, proc, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	pred := &Prediction{
		Operation:     d.cfg.Engine.Operation,
		ProcessWidth:  frame.Width,
		ProcessHeight: frame.Height,
	}
	if wc == nil && proc == nil {
		d.metrics.incNotReady()
		pred.NotReady = true
		return pred, nil
	}

	var (
		records []models.DetectionRecord
		out     outcome
	)
	if proc != nil {
		records, out, err = d.runLocal(ctx, proc, frame, params)
	} else {
		records, out, err = d.runWorker(ctx, wc, frame, params)
	}
	if err != nil {
		return nil, err
	}
	pred.Timings.Inference = time.Since(start)

	switch out {
	case outcomeNotReady:
		d.metrics.incNotReady()
		pred.NotReady = true
		return pred, nil
	case outcomeFailed:
		d.metrics.incFailures()
		pred.Detections = []models.DetectionRecord{}
	case outcomeOK:
		smoothStart := time.Now()
		pred.Detections = records
		d.windowMu.Lock()
		pred.Smoothed = smoothing.Update(&d.window, params.MovingAverageWindow, records)
		d.windowMu.Unlock()
		pred.Timings.Smoothing = time.Since(smoothStart)
	}

	d.metrics.recordPrediction(time.Since(start))
	return pred, nil
}

func (d *Dispatcher) runLocal(ctx context.Context, proc *worker.Processor, frame models.Frame, params models.Params) ([]models.DetectionRecord, outcome, error) {
	d.localMu.Lock()
	defer d.localMu.Unlock()

	records, err := proc.Process(ctx, frame, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, outcomeFailed, ctx.Err()
		}
		d.logger.Debug("local predict failed", zap.Error(err))
		return nil, outcomeFailed, nil
	}
	return records, outcomeOK, nil
}

func (d *Dispatcher) runWorker(ctx context.Context, wc *workerConn, frame models.Frame, params models.Params) ([]models.DetectionRecord, outcome, error) {
	uid := d.uids.next()
	ch := d.pending.add(uid)

	msg := protocol.Predict{UID: uid, Params: params, Width: frame.Width, Height: frame.Height, Pixels: frame.Pix}
	if err := wc.conn.Send(ctx, msg); err != nil {
		d.pending.forget(uid)
		if ctx.Err() != nil {
			return nil, outcomeNotReady, ctx.Err()
		}
		d.workerLost(wc, err)
		return nil, outcomeNotReady, nil
	}

	m, err := await(ctx, ch, d.cfg.RequestTimeout)
	switch {
	case errors.Is(err, errRequestTimeout):
		d.pending.forget(uid)
		d.metrics.incTimeouts()
		d.logger.Warn("worker response timed out", zap.Float64("uid", uid), zap.Duration("timeout", d.cfg.RequestTimeout))
		return nil, outcomeNotReady, nil
	case errors.Is(err, errWorkerLost):
		return nil, outcomeNotReady, nil
	case err != nil:
		d.pending.forget(uid)
		return nil, outcomeNotReady, err
	}

	switch resp := m.(type) {
	case protocol.Predicted:
		if resp.Error != "" {
			d.logger.Debug("worker predict failed", zap.Float64("uid", uid), zap.String("error", resp.Error))
			return nil, outcomeFailed, nil
		}
		return resp.Detections, outcomeOK, nil
	default:
		return nil, outcomeNotReady, nil
	}
}

// FitCroppedArea returns the crop viewport, in pixels of an orgW x orgH
// source, for the smoothed box of pred. It is zero when pred carries no
// smoothed result.
func FitCroppedArea(pred *Prediction, orgW, orgH, outW, outH float32, ext cropping.Extension) models.Viewport {
	if pred == nil || pred.Smoothed == nil {
		return models.Viewport{}
	}
	return cropping.Fit(pred.Smoothed.Box, cropping.Geometry{
		OrgWidth:      orgW,
		OrgHeight:     orgH,
		ProcessWidth:  float32(pred.ProcessWidth),
		ProcessHeight: float32(pred.ProcessHeight),
		OutWidth:      outW,
		OutHeight:     outH,
	}, ext)
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateClosed {
		return nil
	}
	d.state = stateClosed

	var err error
	if d.conn != nil {
		d.conn.shutdown()
		d.conn = nil
	}
	d.pending.failAll()

	d.localMu.Lock()
	if d.local != nil {
		err = multierr.Append(err, d.local.Close())
		d.local = nil
	}
	d.localMu.Unlock()
	return err
}
