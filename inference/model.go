// Package inference owns the loaded classification model and runs forward
// passes over preprocessed tensors.
package inference

import (
	"context"

	"github.com/meowid/breed-service/models"
)

//go:generate mockgen -destination mocks/model_mock.go -source model.go -package mocks

// Model is one loaded network. Implementations must be safe for concurrent
// Predict calls once constructed.
type Model interface {
	// Name identifies the model in logs and metrics.
	Name() string

	// Predict runs one forward pass and returns one score per class.
	Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error)

	// Close releases runtime resources. Predict must not be called afterwards.
	Close() error
}
