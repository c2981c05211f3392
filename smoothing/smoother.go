// Package smoothing stabilises per-frame detections with a moving average
// over a bounded window of recent frames.
//
// Only the first detection of each frame takes part. There is no identity
// association across frames, so with several subjects in view the average
// follows whichever one the engine emits first.
package smoothing

import "github.com/Tutortoise/landmark-tracking-service/models"

// Window is a bounded FIFO of frames that contained at least one detection.
type Window struct {
	frames [][]models.DetectionRecord
}

func (w *Window) Len() int { return len(w.frames) }

func (w *Window) Reset() { w.frames = nil }

func (w *Window) push(frame []models.DetectionRecord) {
	w.frames = append(w.frames, frame)
}

func (w *Window) evictTo(capacity int) {
	if len(w.frames) <= capacity {
		return
	}
	drop := len(w.frames) - capacity
	// copy so the backing array does not keep evicted frames alive
	w.frames = append([][]models.DetectionRecord(nil), w.frames[drop:]...)
}

type Result struct {
	Keypoints   []models.Keypoint  `json:"keypoints"`
	Keypoints3D []models.Keypoint  `json:"keypoints_3d,omitempty"`
	Box         models.SmoothedBox `json:"box"`
	Frames      int                `json:"frames"`
}

// Update pushes frame into w when its first detection has keypoints, evicts
// the oldest frames beyond capacity and returns the average of the primary
// subject. A capacity of zero disables smoothing and returns nil. Frames
// without detections leave the window as it is, so the average holds the
// last known position across momentary tracking loss.
func Update(w *Window, capacity int, frame []models.DetectionRecord) *Result {
	if capacity <= 0 {
		w.Reset()
		return nil
	}
	if len(frame) > 0 && len(frame[0].Keypoints) > 0 {
		w.push(frame)
	}
	w.evictTo(capacity)

	if w.Len() == 0 {
		return nil
	}
	return average(w.frames)
}

func average(frames [][]models.DetectionRecord) *Result {
	n := float64(len(frames))
	newest := frames[len(frames)-1][0]

	res := &Result{
		Keypoints:   averageKeypoints(frames, n, func(r models.DetectionRecord) []models.Keypoint { return r.Keypoints }),
		Keypoints3D: averageKeypoints(frames, n, func(r models.DetectionRecord) []models.Keypoint { return r.Keypoints3D }),
		Frames:      len(frames),
	}
	carryScores(res.Keypoints, newest.Keypoints)
	carryScores(res.Keypoints3D, newest.Keypoints3D)

	var xMin, yMin, xMax, yMax, width, height float64
	for _, f := range frames {
		b := f[0].Box
		xMin += float64(b.MinX)
		yMin += float64(b.MinY)
		xMax += float64(b.MaxX)
		yMax += float64(b.MaxY)
		width += float64(b.Width())
		height += float64(b.Height())
	}
	res.Box = models.SmoothedBox{
		XMin:   float32(xMin / n),
		YMin:   float32(yMin / n),
		XMax:   float32(xMax / n),
		YMax:   float32(yMax / n),
		Width:  float32(width / n),
		Height: float32(height / n),
	}
	return res
}

// averageKeypoints sums per keypoint index. Frames with fewer keypoints than
// the longest one contribute nothing to the missing indices, but every index
// is still divided by the window length.
func averageKeypoints(frames [][]models.DetectionRecord, n float64, pick func(models.DetectionRecord) []models.Keypoint) []models.Keypoint {
	var sx, sy, sz []float64
	for _, f := range frames {
		kps := pick(f[0])
		for len(sx) < len(kps) {
			sx = append(sx, 0)
			sy = append(sy, 0)
			sz = append(sz, 0)
		}
		for i, kp := range kps {
			sx[i] += float64(kp.X)
			sy[i] += float64(kp.Y)
			sz[i] += float64(kp.Z)
		}
	}
	if len(sx) == 0 {
		return nil
	}
	out := make([]models.Keypoint, len(sx))
	for i := range sx {
		out[i] = models.Keypoint{
			X: float32(sx[i] / n),
			Y: float32(sy[i] / n),
			Z: float32(sz[i] / n),
		}
	}
	return out
}

func carryScores(dst, src []models.Keypoint) {
	for i := range dst {
		if i >= len(src) {
			return
		}
		dst[i].Score = src[i].Score
		dst[i].Visibility = src[i].Visibility
		dst[i].Presence = src[i].Presence
	}
}
