package models

import (
	"image"
	"time"
)

type OperationType string

const (
	OperationHand OperationType = "hand"
	OperationFace OperationType = "face"
	OperationPose OperationType = "pose"
)

// Frame is an RGBA8 (non-premultiplied) pixel buffer with stride 4*Width.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// Image wraps the frame pixels as an *image.NRGBA without copying.
func (f Frame) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*4
}

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

type Keypoint struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Z          float32 `json:"z,omitempty"`
	Score      float32 `json:"score,omitempty"`
	Visibility float32 `json:"visibility,omitempty"`
	Presence   float32 `json:"presence,omitempty"`
}

type Box struct {
	MinX float32 `json:"min_x"`
	MinY float32 `json:"min_y"`
	MaxX float32 `json:"max_x"`
	MaxY float32 `json:"max_y"`
}

func (b Box) Width() float32  { return b.MaxX - b.MinX }
func (b Box) Height() float32 { return b.MaxY - b.MinY }

// DetectionRecord is one decoded detection from a single inference pass.
type DetectionRecord struct {
	Score           float32               `json:"score"`
	LandmarkScore   float32               `json:"landmark_score"`
	Rotation        float32               `json:"rotation"`
	Handedness      string                `json:"handedness,omitempty"`
	Box             Box                   `json:"box"`
	OuterBox        Box                   `json:"outer_box"`
	RotatedBox      [4]Point              `json:"rotated_box"`
	AnchorKeypoints []Keypoint            `json:"anchor_keypoints,omitempty"`
	Keypoints       []Keypoint            `json:"keypoints"`
	Keypoints3D     []Keypoint            `json:"keypoints_3d,omitempty"`
	Parts           map[string][]Keypoint `json:"parts,omitempty"`
}

type SmoothedBox struct {
	XMin   float32 `json:"x_min"`
	YMin   float32 `json:"y_min"`
	XMax   float32 `json:"x_max"`
	YMax   float32 `json:"y_max"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Viewport is a rectangle in source image pixels.
type Viewport struct {
	XMin   float32 `json:"xmin"`
	YMin   float32 `json:"ymin"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Params are the per-call operation parameters.
type Params struct {
	ProcessWidth        int     `json:"process_width"`
	ProcessHeight       int     `json:"process_height"`
	MaxDetections       int     `json:"max_detections"`
	MovingAverageWindow int     `json:"moving_average_window"`
	AffineResizedFactor float32 `json:"affine_resized_factor"`
	CropExt             float32 `json:"crop_ext"`
	CalculateMode       int     `json:"calculate_mode"`
	MinScore            float32 `json:"min_score"`
	MinLandmarkScore    float32 `json:"min_landmark_score"`
}

// EngineConfig selects and shapes the model loaded by one engine instance.
type EngineConfig struct {
	Operation       OperationType `json:"operation"`
	ModelPath       string        `json:"model_path"`
	InputName       string        `json:"input_name"`
	OutputName      string        `json:"output_name"`
	ParamsInputName string        `json:"params_input_name,omitempty"`
	InputWidth      int           `json:"input_width"`
	InputHeight     int           `json:"input_height"`
	OutputLength    int           `json:"output_length"`
	IntraOpThreads  int           `json:"intra_op_threads,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Inference   time.Duration
	Smoothing   time.Duration
	Total       time.Duration
}
