package detections

import (
	"fmt"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

// Absent marks a header field the layout does not carry.
const Absent = -1

type BlockKind int

const (
	BlockRotated BlockKind = iota
	BlockAnchor
	BlockLandmarks
	BlockLandmarks3D
	BlockPart
)

// Block is a run of Count keypoints, Width floats each, at Offset within a record.
type Block struct {
	Kind   BlockKind
	Name   string
	Offset int
	Count  int
	Width  int
}

func (b Block) end() int { return b.Offset + b.Count*b.Width }

// HeaderLayout holds record-relative offsets of the fixed header fields.
type HeaderLayout struct {
	Score         int
	LandmarkScore int
	Handedness    int
	Rotation      int
	Box           int
	OuterBox      int
}

type RecordLayout struct {
	Name       string
	Base       int
	Stride     int
	MaxRecords int
	Header     HeaderLayout
	Blocks     []Block
}

// HandLayout: 12 header floats, 4x2 rotated hand, 7x2 palm keypoints, 21x3 landmarks.
var HandLayout = RecordLayout{
	Name:       string(models.OperationHand),
	Base:       RecordBase,
	Stride:     HandRecordStride,
	MaxRecords: DefaultMaxRecords,
	Header: HeaderLayout{
		Score:         0,
		LandmarkScore: 1,
		Handedness:    2,
		Rotation:      3,
		OuterBox:      4,
		Box:           8,
	},
	Blocks: []Block{
		{Kind: BlockRotated, Offset: 12, Count: 4, Width: 2},
		{Kind: BlockAnchor, Offset: 20, Count: 7, Width: 2},
		{Kind: BlockLandmarks, Offset: 34, Count: 21, Width: 3},
	},
}

// FaceLayout: 11 header floats, 4x2 rotated face, 6x2 detector keypoints,
// 468x3 mesh landmarks and the refinement blocks for lips, eyes and irises.
var FaceLayout = RecordLayout{
	Name:       string(models.OperationFace),
	Base:       RecordBase,
	Stride:     FaceRecordStride,
	MaxRecords: DefaultMaxRecords,
	Header: HeaderLayout{
		Score:         0,
		LandmarkScore: 1,
		Handedness:    Absent,
		Rotation:      2,
		Box:           3,
		OuterBox:      7,
	},
	Blocks: []Block{
		{Kind: BlockRotated, Offset: 11, Count: 4, Width: 2},
		{Kind: BlockAnchor, Offset: 19, Count: 6, Width: 2},
		{Kind: BlockLandmarks, Offset: 31, Count: 468, Width: 3},
		{Kind: BlockPart, Name: PartLips, Offset: 1435, Count: 80, Width: 2},
		{Kind: BlockPart, Name: PartLeftEye, Offset: 1595, Count: 71, Width: 2},
		{Kind: BlockPart, Name: PartRightEye, Offset: 1737, Count: 71, Width: 2},
		{Kind: BlockPart, Name: PartLeftIris, Offset: 1879, Count: 5, Width: 2},
		{Kind: BlockPart, Name: PartRightIris, Offset: 1889, Count: 5, Width: 2},
	},
}

// PoseLayout reserves room for 39 landmarks per block but only the first 33
// are meaningful, so the 3D block starts at 222 rather than right after the 2D one.
var PoseLayout = RecordLayout{
	Name:       string(models.OperationPose),
	Base:       RecordBase,
	Stride:     PoseRecordStride,
	MaxRecords: DefaultMaxRecords,
	Header: HeaderLayout{
		Score:         0,
		LandmarkScore: 1,
		Handedness:    Absent,
		Rotation:      2,
		Box:           3,
		OuterBox:      7,
	},
	Blocks: []Block{
		{Kind: BlockRotated, Offset: 11, Count: 4, Width: 2},
		{Kind: BlockAnchor, Offset: 19, Count: 4, Width: 2},
		{Kind: BlockLandmarks, Offset: 27, Count: 33, Width: 5},
		{Kind: BlockLandmarks3D, Offset: 222, Count: 33, Width: 3},
	},
}

func LayoutFor(op models.OperationType) (RecordLayout, error) {
	switch op {
	case models.OperationHand:
		return HandLayout, nil
	case models.OperationFace:
		return FaceLayout, nil
	case models.OperationPose:
		return PoseLayout, nil
	default:
		return RecordLayout{}, fmt.Errorf("unknown operation type %q", op)
	}
}

// DefaultThresholds returns the score filter the engine's consumers apply per operation.
func DefaultThresholds(op models.OperationType) (minScore, minLandmarkScore float32) {
	switch op {
	case models.OperationFace:
		return FaceMinScore, FaceMinLandmarkScore
	case models.OperationPose:
		return PoseMinScore, PoseMinLandmarkScore
	default:
		return 0, 0
	}
}

// Validate checks that every field of the layout fits inside one record.
func (l RecordLayout) Validate(stride int) error {
	if l.Base < 1 {
		return fmt.Errorf("%w: base %d must leave room for the count", ErrBadLayout, l.Base)
	}
	if stride <= 0 {
		return fmt.Errorf("%w: stride %d", ErrBadLayout, stride)
	}
	scalars := []int{l.Header.Score, l.Header.LandmarkScore, l.Header.Handedness, l.Header.Rotation}
	for _, off := range scalars {
		if off != Absent && (off < 0 || off >= stride) {
			return fmt.Errorf("%w: header offset %d outside stride %d", ErrBadLayout, off, stride)
		}
	}
	for _, off := range []int{l.Header.Box, l.Header.OuterBox} {
		if off != Absent && (off < 0 || off+4 > stride) {
			return fmt.Errorf("%w: box offset %d outside stride %d", ErrBadLayout, off, stride)
		}
	}
	for _, b := range l.Blocks {
		if b.Offset < 0 || b.Count < 0 || b.end() > stride {
			return fmt.Errorf("%w: block at %d (%dx%d) outside stride %d", ErrBadLayout, b.Offset, b.Count, b.Width, stride)
		}
		if b.Kind == BlockRotated && b.Count != 4 {
			return fmt.Errorf("%w: rotated box needs 4 points, got %d", ErrBadLayout, b.Count)
		}
	}
	return nil
}
