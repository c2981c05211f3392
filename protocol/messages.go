// Package protocol defines the messages exchanged between a dispatcher and
// an inference worker.
package protocol

import "github.com/Tutortoise/landmark-tracking-service/models"

type Kind string

const (
	KindInitialize  Kind = "initialize"
	KindInitialized Kind = "initialized"
	KindInitFailed  Kind = "init_failed"
	KindPredict     Kind = "predict"
	KindPredicted   Kind = "predicted"
	KindNotReady    Kind = "not_ready"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// Initialize asks the worker to build its engine.
type Initialize struct {
	Config models.EngineConfig `json:"config"`
}

type Initialized struct {
	SessionID string `json:"session_id"`
}

type InitFailed struct {
	Reason string `json:"reason"`
}

// Predict carries one resized frame. UID correlates the response.
type Predict struct {
	UID    float64       `json:"uid"`
	Params models.Params `json:"params"`
	Width  int           `json:"width"`
	Height int           `json:"height"`
	Pixels []byte        `json:"pixels"`
}

// Predicted is the response to Predict. Error is set when the engine or the
// decoder failed; Detections is then empty.
type Predicted struct {
	UID        float64                  `json:"uid"`
	Detections []models.DetectionRecord `json:"detections"`
	Error      string                   `json:"error,omitempty"`
}

// NotReady is sent in place of Predicted when no engine is loaded.
type NotReady struct {
	UID float64 `json:"uid"`
}

func (Initialize) Kind() Kind  { return KindInitialize }
func (Initialized) Kind() Kind { return KindInitialized }
func (InitFailed) Kind() Kind  { return KindInitFailed }
func (Predict) Kind() Kind     { return KindPredict }
func (Predicted) Kind() Kind   { return KindPredicted }
func (NotReady) Kind() Kind    { return KindNotReady }

func (Initialize) isMessage()  {}
func (Initialized) isMessage() {}
func (InitFailed) isMessage()  {}
func (Predict) isMessage()     {}
func (Predicted) isMessage()   {}
func (NotReady) isMessage()    {}

// Frame returns the pixels of p as a frame without copying.
func (p Predict) Frame() models.Frame {
	return models.Frame{Width: p.Width, Height: p.Height, Pix: p.Pixels}
}

// UIDOf returns the correlation id of a response message.
func UIDOf(m Message) (float64, bool) {
	switch v := m.(type) {
	case Predicted:
		return v.UID, true
	case NotReady:
		return v.UID, true
	case Predict:
		return v.UID, true
	default:
		return 0, false
	}
}
