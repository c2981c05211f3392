package detections

const (
	// RecordBase is the float index of the first record; index 0 holds the count.
	RecordBase = 1

	HandRecordStride = 97
	FaceRecordStride = 1899
	PoseRecordStride = 343

	DefaultMaxRecords = 100

	HandednessThreshold = 0.5

	FaceMinScore         = 0.5
	FaceMinLandmarkScore = 0.5
	PoseMinScore         = 0.1
	PoseMinLandmarkScore = 0.0
)

const (
	PartLips      = "lips"
	PartLeftEye   = "leftEye"
	PartRightEye  = "rightEye"
	PartLeftIris  = "leftIris"
	PartRightIris = "rightIris"
)
