package presence

import (
	"context"
	"fmt"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/models"
)

const (
	// CatClassID is the index of "cat" in the COCO label set.
	CatClassID = 15

	DefaultDetectorConfidence = 0.25
)

// Runner executes a YOLO-style detection network. Input is planar RGB in
// [0,1] of InputSize x InputSize. Output is [4+NumClasses, Anchors]
// channel-major, with box centre and size in input pixels.
type Runner interface {
	InputSize() int
	NumClasses() int
	Anchors() int
	Run(ctx context.Context, input []float32) ([]float32, error)
}

// DetectorClassifier accepts an image when the detector finds at least one
// cat box above the confidence threshold.
type DetectorClassifier struct {
	runner     Runner
	classID    int
	confidence float32
}

func NewDetectorClassifier(runner Runner, classID int, confidence float64) *DetectorClassifier {
	if confidence <= 0 {
		confidence = DefaultDetectorConfidence
	}
	return &DetectorClassifier{
		runner:     runner,
		classID:    classID,
		confidence: float32(confidence),
	}
}

func (c *DetectorClassifier) Classify(ctx context.Context, bmp *models.DecodedBitmap) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if c.classID < 0 || c.classID >= c.runner.NumClasses() {
		return Decision{}, fmt.Errorf("class %d outside detector range of %d classes", c.classID, c.runner.NumClasses())
	}

	predictions, err := c.runner.Run(ctx, c.prepareInput(bmp))
	if err != nil {
		return Decision{}, err
	}

	detections, err := c.processPredictions(ctx, predictions, bmp.Width, bmp.Height)
	if err != nil {
		return Decision{}, err
	}

	boxes := clusterBoxes(detections)
	if len(boxes) == 0 {
		return Decision{Accept: false, Score: 0}, nil
	}
	return Decision{Accept: true, Score: float64(detections[0].Confidence)}, nil
}

// prepareInput stretches bmp to the network size and lays it out planar.
func (c *DetectorClassifier) prepareInput(bmp *models.DecodedBitmap) []float32 {
	size := c.runner.InputSize()
	img := imaging.Resize(imagecodec.ToImage(bmp), size, size, imaging.Linear)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			i := y*size + x
			out[i] = float32(row[x*4]) / 255
			out[plane+i] = float32(row[x*4+1]) / 255
			out[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return out
}

// processPredictions scans the anchors in parallel chunks and returns the
// target-class boxes above threshold, most confident first.
func (c *DetectorClassifier) processPredictions(ctx context.Context, predictions []float32, width, height int) ([]Detection, error) {
	anchors := c.runner.Anchors()
	if want := (4 + c.runner.NumClasses()) * anchors; len(predictions) != want {
		return nil, fmt.Errorf("detector output has %d values, want %d", len(predictions), want)
	}

	workers := runtime.NumCPU()
	chunk := (anchors + workers - 1) / workers
	found := make([][]Detection, workers)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w, start, end := w, w*chunk, min((w+1)*chunk, anchors)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				score := predictions[(4+c.classID)*anchors+i]
				if score < c.confidence {
					continue
				}
				found[w] = append(found[w], Detection{
					Box: c.scaleBox(
						predictions[i], predictions[anchors+i], predictions[2*anchors+i], predictions[3*anchors+i],
						width, height),
					Confidence: score,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var detections []Detection
	for _, part := range found {
		detections = append(detections, part...)
	}
	slices.SortStableFunc(detections, func(a, b Detection) bool {
		return a.Confidence > b.Confidence
	})
	return detections, nil
}

// scaleBox converts a centre/size box in network pixels to corners in source pixels.
func (c *DetectorClassifier) scaleBox(cx, cy, w, h float32, width, height int) Box {
	size := float32(c.runner.InputSize())
	scaleX := float32(width) / size
	scaleY := float32(height) / size

	x1 := (cx - w/2) * scaleX
	y1 := (cy - h/2) * scaleY
	x2 := (cx + w/2) * scaleX
	y2 := (cy + h/2) * scaleY

	return Box{
		int32(max(0, x1)),
		int32(max(0, y1)),
		int32(min(float32(width), x2)),
		int32(min(float32(height), y2)),
	}
}
