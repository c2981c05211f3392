package detections

import "github.com/Tutortoise/landmark-tracking-service/models"

// Filter keeps records whose score and landmark score both exceed the
// thresholds, preserving order. Both thresholds at or below zero disable
// filtering. The input slice is not modified.
func Filter(records []models.DetectionRecord, minScore, minLandmarkScore float32) []models.DetectionRecord {
	if minScore <= 0 && minLandmarkScore <= 0 {
		return records
	}
	kept := make([]models.DetectionRecord, 0, len(records))
	for _, rec := range records {
		if rec.Score > minScore && rec.LandmarkScore > minLandmarkScore {
			kept = append(kept, rec)
		}
	}
	return kept
}
