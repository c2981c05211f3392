package detections

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

// encodeBuffer lays out n records using fill to set each record's floats.
func encodeBuffer(layout RecordLayout, n int, fill func(i int, rec []float32)) []float32 {
	buf := make([]float32, layout.Base+n*layout.Stride)
	buf[0] = float32(n)
	for i := 0; i < n; i++ {
		start := layout.Base + i*layout.Stride
		fill(i, buf[start:start+layout.Stride])
	}
	return buf
}

func TestDecodeHandRoundTrip(t *testing.T) {
	buf := encodeBuffer(HandLayout, 2, func(i int, rec []float32) {
		rec[0] = 0.9 - float32(i)*0.1 // score
		rec[1] = 0.8                  // landmark score
		rec[2] = float32(i)           // handedness
		rec[3] = 0.25                 // rotation
		copy(rec[4:8], []float32{1, 2, 3, 4})
		copy(rec[8:12], []float32{10, 20, 30, 40})
		for j := 0; j < 8; j++ {
			rec[12+j] = 100 + float32(j)
		}
		for j := 0; j < 14; j++ {
			rec[20+j] = 200 + float32(j)
		}
		for j := 0; j < 63; j++ {
			rec[34+j] = 300 + float32(j) + float32(i)*1000
		}
	})

	records, err := DecodeRecords(buf, HandLayout)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, float32(0.9), first.Score)
	assert.Equal(t, float32(0.8), first.LandmarkScore)
	assert.Equal(t, "Left", first.Handedness)
	assert.Equal(t, "Right", records[1].Handedness)
	assert.Equal(t, float32(0.25), first.Rotation)
	assert.Equal(t, models.Box{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}, first.OuterBox)
	assert.Equal(t, models.Box{MinX: 10, MinY: 20, MaxX: 30, MaxY: 40}, first.Box)
	assert.Equal(t, models.Point{X: 106, Y: 107}, first.RotatedBox[3])
	require.Len(t, first.AnchorKeypoints, 7)
	assert.Equal(t, models.Keypoint{X: 212, Y: 213}, first.AnchorKeypoints[6])
	require.Len(t, first.Keypoints, 21)
	assert.Equal(t, models.Keypoint{X: 300, Y: 301, Z: 302}, first.Keypoints[0])
	assert.Equal(t, models.Keypoint{X: 1360, Y: 1361, Z: 1362}, records[1].Keypoints[20])
	assert.Nil(t, first.Keypoints3D)
	assert.Nil(t, first.Parts)
}

func TestDecodePoseInheritsScores(t *testing.T) {
	buf := encodeBuffer(PoseLayout, 1, func(_ int, rec []float32) {
		rec[0] = 0.7
		rec[1] = 0.6
		for j := 0; j < 33; j++ {
			off := 27 + j*5
			copy(rec[off:off+5], []float32{float32(j), float32(j) + 0.5, -1, 0.75, 0.5})
			off3 := 222 + j*3
			copy(rec[off3:off3+3], []float32{float32(j) * 2, 1, 2})
		}
	})

	records, err := DecodeRecords(buf, PoseLayout)
	require.NoError(t, err)
	require.Len(t, records, 1)

	pose := records[0]
	require.Len(t, pose.Keypoints, 33)
	require.Len(t, pose.Keypoints3D, 33)
	assert.Equal(t, models.Keypoint{X: 32, Y: 32.5, Z: -1, Score: 0.75, Visibility: 0.75, Presence: 0.5}, pose.Keypoints[32])
	assert.Equal(t, models.Keypoint{X: 64, Y: 1, Z: 2, Score: 0.75, Visibility: 0.75, Presence: 0.5}, pose.Keypoints3D[32])
	assert.Empty(t, pose.Handedness)
}

func TestDecodeFaceParts(t *testing.T) {
	buf := encodeBuffer(FaceLayout, 1, func(_ int, rec []float32) {
		rec[0] = 1
		rec[1] = 1
		copy(rec[3:7], []float32{0.1, 0.2, 0.3, 0.4})
		rec[1889] = 42
		rec[1898] = 43
	})

	records, err := DecodeRecords(buf, FaceLayout)
	require.NoError(t, err)
	require.Len(t, records, 1)

	face := records[0]
	assert.Len(t, face.Keypoints, 468)
	assert.Len(t, face.Parts[PartLips], 80)
	assert.Len(t, face.Parts[PartLeftEye], 71)
	assert.Len(t, face.Parts[PartRightEye], 71)
	require.Len(t, face.Parts[PartRightIris], 5)
	assert.Equal(t, float32(42), face.Parts[PartRightIris][0].X)
	assert.Equal(t, float32(43), face.Parts[PartRightIris][4].Y)
	assert.Equal(t, models.Box{MinX: 0.1, MinY: 0.2, MaxX: 0.3, MaxY: 0.4}, face.Box)
}

func TestDecodeZeroRecords(t *testing.T) {
	records, err := DecodeRecords([]float32{0}, FaceLayout)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeRejectsShortBuffers(t *testing.T) {
	for _, layout := range []RecordLayout{HandLayout, FaceLayout, PoseLayout} {
		full := encodeBuffer(layout, 3, func(int, []float32) {})
		for _, cut := range []int{1, layout.Stride, 2*layout.Stride + 1, len(full) - 1} {
			short := full[:cut]
			records, err := DecodeRecords(short, layout)
			assert.ErrorIs(t, err, ErrShortBuffer, "%s cut at %d", layout.Name, cut)
			assert.Nil(t, records)
		}
	}
}

func TestDecodeRejectsEmptyBuffer(t *testing.T) {
	_, err := DecodeRecords(nil, HandLayout)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeRejectsInvalidCount(t *testing.T) {
	counts := []float32{-1, 1.5, float32(math.NaN()), float32(math.Inf(1)), DefaultMaxRecords + 1}
	for _, c := range counts {
		buf := make([]float32, 1+HandRecordStride*2)
		buf[0] = c
		_, err := DecodeRecords(buf, HandLayout)
		assert.ErrorIs(t, err, ErrInvalidCount, "count %v", c)

		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	}
}

func TestDecodeRejectsNonFiniteFields(t *testing.T) {
	cases := []struct {
		name  string
		index int
		value float32
	}{
		{"score", 0, float32(math.NaN())},
		{"box", 9, float32(math.Inf(1))},
		{"anchor", 21, float32(math.Inf(-1))},
		{"landmark x", 34, float32(math.NaN())},
		{"last landmark z", 96, float32(math.NaN())},
	}
	for _, tc := range cases {
		buf := encodeBuffer(HandLayout, 2, func(int, []float32) {})
		buf[HandLayout.Base+HandLayout.Stride+tc.index] = tc.value

		records, err := DecodeRecords(buf, HandLayout)
		assert.ErrorIs(t, err, ErrNonFinite, tc.name)
		assert.Nil(t, records, tc.name)

		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr, tc.name)
	}
}

func TestDecodeIgnoresNonFinitePadding(t *testing.T) {
	// floats past the layout inside a wider stride are never read
	stride := HandRecordStride + 3
	buf := make([]float32, 1+stride)
	buf[0] = 1
	buf[1+stride-1] = float32(math.NaN())

	records, err := Decode(buf, stride, HandLayout)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDecodeRejectsStrideSmallerThanLayout(t *testing.T) {
	buf := make([]float32, 1+50)
	buf[0] = 1
	_, err := Decode(buf, 50, HandLayout)
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestDecodeWiderStride(t *testing.T) {
	const stride = HandRecordStride + 3
	buf := make([]float32, 1+2*stride)
	buf[0] = 2
	buf[1+stride] = 0.42
	records, err := Decode(buf, stride, HandLayout)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, float32(0.42), records[1].Score)
}

func TestBuiltinLayoutsFitTheirStride(t *testing.T) {
	for _, layout := range []RecordLayout{HandLayout, FaceLayout, PoseLayout} {
		assert.NoError(t, layout.Validate(layout.Stride), layout.Name)
	}
	last := FaceLayout.Blocks[len(FaceLayout.Blocks)-1]
	assert.Equal(t, FaceRecordStride, last.end())
	assert.Equal(t, HandRecordStride, HandLayout.Blocks[2].end())
}

func TestLayoutFor(t *testing.T) {
	l, err := LayoutFor(models.OperationPose)
	require.NoError(t, err)
	assert.Equal(t, PoseRecordStride, l.Stride)

	_, err = LayoutFor("tail")
	assert.Error(t, err)
}
