package worker

import (
	"context"
	"fmt"

	"github.com/Tutortoise/landmark-tracking-service/detections"
	"github.com/Tutortoise/landmark-tracking-service/engine"
	"github.com/Tutortoise/landmark-tracking-service/models"
)

// Processor runs one frame through the engine, decodes the output record and
// drops low-confidence detections. Local dispatch and workers share it.
type Processor struct {
	engine           engine.Engine
	layout           detections.RecordLayout
	minScore         float32
	minLandmarkScore float32
}

func NewProcessor(eng engine.Engine, op models.OperationType) (*Processor, error) {
	layout, err := detections.LayoutFor(op)
	if err != nil {
		return nil, err
	}
	minScore, minLandmark := detections.DefaultThresholds(op)
	return &Processor{
		engine:           eng,
		layout:           layout,
		minScore:         minScore,
		minLandmarkScore: minLandmark,
	}, nil
}

// Process is not safe for concurrent use; the engine owns a single set of
// tensors.
func (p *Processor) Process(ctx context.Context, frame models.Frame, params models.Params) ([]models.DetectionRecord, error) {
	raw, err := p.engine.Predict(ctx, frame, params)
	if err != nil {
		return nil, fmt.Errorf("engine predict: %w", err)
	}
	records, err := detections.DecodeRecords(raw, p.layout)
	if err != nil {
		return nil, err
	}
	if params.MaxDetections > 0 && len(records) > params.MaxDetections {
		records = records[:params.MaxDetections]
	}
	minScore, minLandmark := p.thresholds(params)
	return detections.Filter(records, minScore, minLandmark), nil
}

// thresholds prefers the per-call values when either is set.
func (p *Processor) thresholds(params models.Params) (float32, float32) {
	if params.MinScore != 0 || params.MinLandmarkScore != 0 {
		return params.MinScore, params.MinLandmarkScore
	}
	return p.minScore, p.minLandmarkScore
}

func (p *Processor) Close() error {
	return p.engine.Close()
}
