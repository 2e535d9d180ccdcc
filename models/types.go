package models

import "time"

const (
	// InputSize is the square edge length the classification network consumes.
	InputSize = 224
	// InputChannels is the number of colour channels in bitmaps and tensors.
	InputChannels = 3
)

// RawImage is an uploaded file as received from the client.
type RawImage struct {
	Data     []byte
	MIMEType string
}

// DecodedBitmap is an interleaved 8-bit RGB pixel grid.
type DecodedBitmap struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
	Format   string
}

// AspectRatio returns width divided by height.
func (b *DecodedBitmap) AspectRatio() float64 {
	if b.Height == 0 {
		return 0
	}
	return float64(b.Width) / float64(b.Height)
}

// InputTensor is the network input in NHWC layout.
type InputTensor struct {
	Shape [4]int
	Data  []float32
}

// ExpectedShape is the only tensor shape the engine accepts.
var ExpectedShape = [4]int{1, InputSize, InputSize, InputChannels}

type BreedClass struct {
	Index           int      `json:"index"`
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Characteristics []string `json:"characteristics"`
	Description     string   `json:"description"`
}

// PredictionVector holds one probability per breed class, in label order.
type PredictionVector []float32

type RankedPrediction struct {
	Breed      BreedClass `json:"breed"`
	Confidence int        `json:"confidence"`
	Rank       int        `json:"rank"`
}

type ClassificationResult struct {
	Primary      RankedPrediction   `json:"primary"`
	Alternatives []RankedPrediction `json:"alternatives"`
}

type ProcessingTimings struct {
	RunID       uint64
	ImageDecode time.Duration
	Validate    time.Duration
	Preprocess  time.Duration
	ModelLoad   time.Duration
	Inference   time.Duration
	Rank        time.Duration
	Total       time.Duration
}
