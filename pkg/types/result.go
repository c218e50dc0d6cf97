package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ClassThreshold is the prediction value at or above which an image is
// classified as Normal. Below it the image is classified as Cataract.
const ClassThreshold = 0.7

// Predicted classes. The raw model output is close to 1 for a normal eye.
const (
	ClassCataract = 0
	ClassNormal   = 1
)

// ErrInvalidResult is returned (wrapped) by Validate for any malformed field.
var ErrInvalidResult = errors.New("invalid result")

// DeviceInfo identifies the producing device.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// ResultFields is the structured metadata produced alongside a captured image.
// Field names map 1:1 to the collector's JSON "metadata" part.
type ResultFields struct {
	Prediction     float64    `json:"prediction"`     // 0–1
	PredictedClass int        `json:"predictedClass"` // ClassCataract | ClassNormal
	ClassName      string     `json:"className"`
	Confidence     float64    `json:"confidence"`    // 0–100
	InferenceTime  float64    `json:"inferenceTime"` // seconds
	Timestamp      time.Time  `json:"timestamp"`     // capture time, RFC 3339
	DeviceInfo     DeviceInfo `json:"deviceInfo"`
}

// Validate checks ranges and required fields.
func (r ResultFields) Validate() error {
	switch {
	case !inRange(r.Prediction, 0, 1):
		return fmt.Errorf("%w: prediction %v outside [0, 1]", ErrInvalidResult, r.Prediction)
	case r.PredictedClass != ClassCataract && r.PredictedClass != ClassNormal:
		return fmt.Errorf("%w: predictedClass %d not 0 or 1", ErrInvalidResult, r.PredictedClass)
	case r.ClassName == "":
		return fmt.Errorf("%w: className is required", ErrInvalidResult)
	case !inRange(r.Confidence, 0, 100):
		return fmt.Errorf("%w: confidence %v outside [0, 100]", ErrInvalidResult, r.Confidence)
	case math.IsNaN(r.InferenceTime) || r.InferenceTime < 0:
		return fmt.Errorf("%w: inferenceTime %v must be non-negative", ErrInvalidResult, r.InferenceTime)
	case r.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidResult)
	case r.DeviceInfo.Platform == "":
		return fmt.Errorf("%w: deviceInfo.platform is required", ErrInvalidResult)
	}
	return nil
}

// Classify applies the collector's decision rule to a raw prediction and
// returns the predicted class, its display name and the confidence percentage.
func Classify(prediction float64) (class int, name string, confidence float64) {
	if prediction < ClassThreshold {
		return ClassCataract, "Cataract", round((1-prediction)*100, 2)
	}
	return ClassNormal, "Normal", round(prediction*100, 2)
}

// NewResult builds ResultFields from a raw prediction using Classify.
func NewResult(prediction, inferenceTime float64, capturedAt time.Time, dev DeviceInfo) ResultFields {
	class, name, conf := Classify(prediction)
	return ResultFields{
		Prediction:     round(prediction, 4),
		PredictedClass: class,
		ClassName:      name,
		Confidence:     conf,
		InferenceTime:  round(inferenceTime, 3),
		Timestamp:      capturedAt.UTC(),
		DeviceInfo:     dev,
	}
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
