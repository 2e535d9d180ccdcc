package inference

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/meowid/breed-service/breeds"
	"github.com/meowid/breed-service/models"
)

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"

	ActivationSoftmax = "softmax"
	ActivationLogits  = "logits"

	defaultInputName  = "input"
	defaultOutputName = "output"
)

// Metadata is the JSON sidecar written next to an exported model, e.g.
//
//	{"model_type": "cat_breed_classifier", "input_shape": [224, 224, 3],
//	 "num_classes": 6, "class_names": ["Persian", ...],
//	 "preprocessing": {"rescale": "1/255", "target_size": [224, 224]}}
type Metadata struct {
	ModelType     string         `json:"model_type"`
	InputShape    []int64        `json:"input_shape"`
	NumClasses    int            `json:"num_classes"`
	ClassNames    []string       `json:"class_names"`
	Layout        string         `json:"layout,omitempty"`
	Activation    string         `json:"output_activation,omitempty"`
	InputName     string         `json:"input_name,omitempty"`
	OutputName    string         `json:"output_name,omitempty"`
	Preprocessing *Preprocessing `json:"preprocessing,omitempty"`
}

type Preprocessing struct {
	Rescale    string  `json:"rescale"`
	TargetSize []int64 `json:"target_size"`
}

// MetadataPath returns the sidecar path for a model file: model.onnx -> model.json.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + ".json"
}

// LoadMetadata reads and normalises a sidecar file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	m.setDefaults()
	return &m, nil
}

func (m *Metadata) setDefaults() {
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}
	m.Layout = strings.ToUpper(m.Layout)
	if m.Activation == "" {
		m.Activation = ActivationSoftmax
	}
	if m.InputName == "" {
		m.InputName = defaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = defaultOutputName
	}
}

// Validate checks that the model consumes 224x224x3 images and that its
// classes match labels in order.
func (m *Metadata) Validate(labels []models.BreedClass) error {
	var errs *multierror.Error

	switch m.Layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown layout %q", m.Layout))
	}

	switch m.Activation {
	case ActivationSoftmax, ActivationLogits:
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown output activation %q", m.Activation))
	}

	if h, w, c, ok := m.imageDims(); !ok {
		errs = multierror.Append(errs, fmt.Errorf("input shape %v is not an image shape", m.InputShape))
	} else if h != models.InputSize || w != models.InputSize || c != models.InputChannels {
		errs = multierror.Append(errs, fmt.Errorf("input shape %v, want %dx%dx%d", m.InputShape, models.InputSize, models.InputSize, models.InputChannels))
	}

	if m.NumClasses != len(m.ClassNames) {
		errs = multierror.Append(errs, fmt.Errorf("num_classes %d does not match %d class names", m.NumClasses, len(m.ClassNames)))
	}
	if len(m.ClassNames) != len(labels) {
		errs = multierror.Append(errs, fmt.Errorf("model has %d classes, label set has %d", len(m.ClassNames), len(labels)))
	} else {
		for i, name := range m.ClassNames {
			if breeds.NormalizeName(name) != breeds.NormalizeName(labels[i].Name) {
				errs = multierror.Append(errs, fmt.Errorf("class %d is %q, label set has %q", i, name, labels[i].Name))
			}
		}
	}

	return errs.ErrorOrNil()
}

// imageDims reads height, width and channels from the input shape, with or
// without a leading batch dimension.
func (m *Metadata) imageDims() (h, w, c int64, ok bool) {
	shape := m.InputShape
	if len(shape) == 4 {
		if shape[0] != 1 && shape[0] != -1 {
			return 0, 0, 0, false
		}
		shape = shape[1:]
	}
	if len(shape) != 3 {
		return 0, 0, 0, false
	}
	if m.Layout == LayoutNCHW {
		return shape[1], shape[2], shape[0], true
	}
	return shape[0], shape[1], shape[2], true
}

// TensorShape is the concrete runtime input shape with batch 1.
func (m *Metadata) TensorShape() []int64 {
	if m.Layout == LayoutNCHW {
		return []int64{1, models.InputChannels, models.InputSize, models.InputSize}
	}
	return []int64{1, models.InputSize, models.InputSize, models.InputChannels}
}
