package engine

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

// paramsLength is the size of the optional per-call parameter tensor:
// maxDetections, affineResizedFactor, cropExt, calculateMode.
const paramsLength = 4

// ONNXEngine owns one ONNX Runtime session with preallocated tensors.
type ONNXEngine struct {
	mu      sync.Mutex
	cfg     models.EngineConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	params  *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	pre     *Preprocessor
	closed  bool
}

// NewONNXFactory returns a Factory that initialises the runtime from libPath
// on first use.
func NewONNXFactory(libPath string) Factory {
	return func(cfg models.EngineConfig) (Engine, error) {
		if err := InitializeRuntime(libPath); err != nil {
			return nil, err
		}
		e, err := NewONNXEngine(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func NewONNXEngine(cfg models.EngineConfig) (*ONNXEngine, error) {
	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 || cfg.OutputLength <= 0 {
		return nil, fmt.Errorf("invalid engine shape: input %dx%d, output %d",
			cfg.InputWidth, cfg.InputHeight, cfg.OutputLength)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := cfg.IntraOpThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}

	e := &ONNXEngine{cfg: cfg, pre: NewPreprocessor(cfg.InputWidth, cfg.InputHeight)}

	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, channels, int64(cfg.InputHeight), int64(cfg.InputWidth)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.OutputLength)))
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	inputNames := []string{cfg.InputName}
	inputs := []ort.ArbitraryTensor{e.input}
	if cfg.ParamsInputName != "" {
		e.params, err = ort.NewEmptyTensor[float32](ort.NewShape(1, paramsLength))
		if err != nil {
			e.destroy()
			return nil, fmt.Errorf("error creating params tensor: %w", err)
		}
		inputNames = append(inputNames, cfg.ParamsInputName)
		inputs = append(inputs, e.params)
	}

	e.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		inputNames,
		[]string{cfg.OutputName},
		inputs,
		[]ort.ArbitraryTensor{e.output},
		options,
	)
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("error creating session for %s: %w", cfg.ModelPath, err)
	}
	return e, nil
}

// Predict resizes frame to the model input when needed, runs the session and
// returns a copy of the output record.
func (e *ONNXEngine) Predict(ctx context.Context, frame models.Frame, params models.Params) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !frame.Valid() {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrFrameSize, frame.Width, frame.Height, len(frame.Pix))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	var img image.Image = frame.Image()
	if frame.Width != e.cfg.InputWidth || frame.Height != e.cfg.InputHeight {
		img = imaging.Resize(img, e.cfg.InputWidth, e.cfg.InputHeight, imaging.Linear)
	}
	if err := e.pre.Fill(e.input.GetData(), img); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	if e.params != nil {
		data := e.params.GetData()
		data[0] = float32(params.MaxDetections)
		data[1] = params.AffineResizedFactor
		data[2] = params.CropExt
		data[3] = float32(params.CalculateMode)
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := make([]float32, e.cfg.OutputLength)
	copy(out, e.output.GetData())
	return out, nil
}

func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.destroy()
}

func (e *ONNXEngine) destroy() error {
	var err error
	if e.session != nil {
		err = multierr.Append(err, e.session.Destroy())
	}
	if e.input != nil {
		err = multierr.Append(err, e.input.Destroy())
	}
	if e.params != nil {
		err = multierr.Append(err, e.params.Destroy())
	}
	if e.output != nil {
		err = multierr.Append(err, e.output.Destroy())
	}
	return err
}
