package main

import (
	"fmt"

	"github.com/Tutortoise/landmark-tracking-service/models"
)

const (
	MsgNotReady = "The model is still loading. Please retry in a moment."

	MsgWorkerUnavailable = "The inference worker stopped responding and could not be restarted."

	MsgNoDetection = "Nothing was detected in the image. Make sure the subject is well lit and fully in frame."
)

func getDetectionMessage(op models.OperationType, count int) string {
	switch {
	case count == 0:
		return MsgNoDetection
	case count == 1:
		return fmt.Sprintf("Detected one %s", subject(op))
	default:
		return fmt.Sprintf("Detected %d %ss", count, subject(op))
	}
}

func subject(op models.OperationType) string {
	switch op {
	case models.OperationHand:
		return "hand"
	case models.OperationFace:
		return "face"
	default:
		return "person"
	}
}
