// Package presence decides whether a decoded image plausibly shows a cat
// before any inference runs.
//
// Validation has two layers. A geometric gate rejects images that are too small
// or too elongated, and it can never be bypassed. Images that pass the gate are
// then handed to a Classifier, a replaceable capability that can be a random
// stand-in, a cheap pixel heuristic, or a trained detector.
package presence

import (
	"context"
	"fmt"

	"github.com/meowid/breed-service/models"
)

const (
	DefaultMinDimension = 100
	DefaultMinAspect    = 0.5
	DefaultMaxAspect    = 2.0
)

//go:generate mockgen -destination mocks/classifier_mock.go -source validator.go -package mocks

// Classifier is a secondary cat/no-cat gate applied after the geometric checks.
type Classifier interface {
	// Classify returns the presence decision for bmp.
	Classify(ctx context.Context, bmp *models.DecodedBitmap) (Decision, error)
}

// Decision is the outcome of a Classifier.
type Decision struct {
	Accept bool
	Score  float64
}

type Validator struct {
	MinDimension int
	MinAspect    float64
	MaxAspect    float64
	Classifier   Classifier
}

// NewValidator returns a validator with the default geometry and classifier.
// A nil classifier accepts everything that passes the geometric gate.
func NewValidator(classifier Classifier) *Validator {
	if classifier == nil {
		classifier = AcceptAll{}
	}
	return &Validator{
		MinDimension: DefaultMinDimension,
		MinAspect:    DefaultMinAspect,
		MaxAspect:    DefaultMaxAspect,
		Classifier:   classifier,
	}
}

// CheckGeometry applies the hard gate. The aspect ratio bounds are exclusive.
func (v *Validator) CheckGeometry(width, height int) error {
	if width < v.MinDimension || height < v.MinDimension {
		return &models.ValidationError{
			Reason:  models.ReasonTooSmall,
			Message: fmt.Sprintf("image %dx%d is smaller than %dx%d", width, height, v.MinDimension, v.MinDimension),
		}
	}

	ratio := float64(width) / float64(height)
	if ratio <= v.MinAspect || ratio >= v.MaxAspect {
		return &models.ValidationError{
			Reason:  models.ReasonAspectRatio,
			Message: fmt.Sprintf("aspect ratio %.2f outside (%.2f, %.2f)", ratio, v.MinAspect, v.MaxAspect),
		}
	}
	return nil
}

// Validate returns nil when bmp is accepted and a *models.ValidationError otherwise.
func (v *Validator) Validate(ctx context.Context, bmp *models.DecodedBitmap) error {
	if err := v.CheckGeometry(bmp.Width, bmp.Height); err != nil {
		return err
	}

	if v.Classifier == nil {
		return nil
	}

	decision, err := v.Classifier.Classify(ctx, bmp)
	if err != nil {
		return &models.ValidationError{
			Reason:  models.ReasonDetectorError,
			Message: "cat detector failed",
			Cause:   err,
		}
	}
	if !decision.Accept {
		return &models.ValidationError{
			Reason:  models.ReasonNotACat,
			Message: fmt.Sprintf("image does not appear to contain a cat (score %.2f)", decision.Score),
		}
	}
	return nil
}

// AcceptAll is a Classifier that never rejects.
type AcceptAll struct{}

func (AcceptAll) Classify(context.Context, *models.DecodedBitmap) (Decision, error) {
	return Decision{Accept: true, Score: 1}, nil
}
