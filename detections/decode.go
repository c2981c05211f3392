package detections

import (
	"errors"
	"fmt"
	"math"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

var (
	ErrOutOfBounds  = errors.New("read out of bounds")
	ErrInvalidCount = errors.New("invalid record count")
	ErrShortBuffer  = errors.New("buffer too short")
	ErrBadLayout    = errors.New("invalid record layout")
	ErrNonFinite    = errors.New("non-finite value")
)

type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func decodeErr(layout RecordLayout, cause error) error {
	return &DecodeError{Message: fmt.Sprintf("decode %s records", layout.Name), Cause: cause}
}

// DecodeRecords decodes with the layout's own stride.
func DecodeRecords(buffer []float32, layout RecordLayout) ([]models.DetectionRecord, error) {
	return Decode(buffer, layout.Stride, layout)
}

// Decode reads the record count at index 0 and then count records of
// recordStride floats starting at layout.Base. The whole extent is validated
// before any record is read. Records are returned in emission order.
func Decode(buffer []float32, recordStride int, layout RecordLayout) ([]models.DetectionRecord, error) {
	if err := layout.Validate(recordStride); err != nil {
		return nil, decodeErr(layout, err)
	}

	if len(buffer) == 0 {
		return nil, decodeErr(layout, fmt.Errorf("%w: empty buffer", ErrShortBuffer))
	}
	r := NewReader(buffer)
	n, err := recordCount(buffer[0], layout.MaxRecords)
	if err != nil {
		return nil, decodeErr(layout, err)
	}

	need := layout.Base + n*recordStride
	if len(buffer) < need {
		return nil, decodeErr(layout, fmt.Errorf("%w: %d records need %d floats, have %d", ErrShortBuffer, n, need, len(buffer)))
	}

	records := make([]models.DetectionRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := decodeRecord(r, layout.Base+i*recordStride, layout)
		if err != nil {
			return nil, decodeErr(layout, fmt.Errorf("record %d: %w", i, err))
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordCount(raw float32, maxRecords int) (int, error) {
	v := float64(raw)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCount, raw)
	}
	if maxRecords > 0 && v > float64(maxRecords) {
		return 0, fmt.Errorf("%w: %v exceeds maximum %d", ErrInvalidCount, raw, maxRecords)
	}
	return int(v), nil
}

func readScalar(r *Reader, start, off int) (float32, error) {
	if off == Absent {
		return 0, nil
	}
	if err := r.Seek(start + off); err != nil {
		return 0, err
	}
	return r.Float32()
}

func readBox(r *Reader, start, off int) (models.Box, error) {
	if off == Absent {
		return models.Box{}, nil
	}
	if err := r.Seek(start + off); err != nil {
		return models.Box{}, err
	}
	return r.Box()
}

func readBlock(r *Reader, start int, b Block) ([]models.Keypoint, error) {
	if err := r.Seek(start + b.Offset); err != nil {
		return nil, err
	}
	kps := make([]models.Keypoint, 0, b.Count)
	for j := 0; j < b.Count; j++ {
		kp, err := r.Keypoint(b.Width)
		if err != nil {
			return nil, err
		}
		kps = append(kps, kp)
	}
	return kps, nil
}

func decodeRecord(r *Reader, start int, layout RecordLayout) (models.DetectionRecord, error) {
	var (
		rec models.DetectionRecord
		err error
	)
	h := layout.Header
	if rec.Score, err = readScalar(r, start, h.Score); err != nil {
		return rec, err
	}
	if rec.LandmarkScore, err = readScalar(r, start, h.LandmarkScore); err != nil {
		return rec, err
	}
	if rec.Rotation, err = readScalar(r, start, h.Rotation); err != nil {
		return rec, err
	}
	if h.Handedness != Absent {
		v, err := readScalar(r, start, h.Handedness)
		if err != nil {
			return rec, err
		}
		rec.Handedness = "Right"
		if v < HandednessThreshold {
			rec.Handedness = "Left"
		}
	}
	if rec.Box, err = readBox(r, start, h.Box); err != nil {
		return rec, err
	}
	if rec.OuterBox, err = readBox(r, start, h.OuterBox); err != nil {
		return rec, err
	}

	for _, b := range layout.Blocks {
		kps, err := readBlock(r, start, b)
		if err != nil {
			return rec, err
		}
		switch b.Kind {
		case BlockRotated:
			for j, kp := range kps {
				rec.RotatedBox[j] = models.Point{X: kp.X, Y: kp.Y}
			}
		case BlockAnchor:
			rec.AnchorKeypoints = kps
		case BlockLandmarks:
			rec.Keypoints = kps
		case BlockLandmarks3D:
			rec.Keypoints3D = kps
		case BlockPart:
			if rec.Parts == nil {
				rec.Parts = make(map[string][]models.Keypoint)
			}
			rec.Parts[b.Name] = kps
		default:
			return rec, fmt.Errorf("%w: block kind %d", ErrBadLayout, b.Kind)
		}
	}

	// 3D landmarks carry no scores of their own
	for j := range rec.Keypoints3D {
		if j >= len(rec.Keypoints) {
			break
		}
		rec.Keypoints3D[j].Score = rec.Keypoints[j].Score
		rec.Keypoints3D[j].Visibility = rec.Keypoints[j].Visibility
		rec.Keypoints3D[j].Presence = rec.Keypoints[j].Presence
	}
	return rec, nil
}
