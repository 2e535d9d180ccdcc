package presence

import (
	"context"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/montanaflynn/stats"

	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/models"
)

const (
	heuristicSampleSize = 64
	sobelEdgeLevel      = 40

	minEdgeDensity  = 0.02
	maxEdgeDensity  = 0.55
	minLightnessStd = 0.04
	maxFurSaturated = 0.65

	textureWeight  = 0.4
	contrastWeight = 0.3
	furWeight      = 0.3

	DefaultHeuristicThreshold = 0.65
)

// HeuristicClassifier scores an image on three cheap signals measured on a
// 64x64 thumbnail:
//   - texture: Sobel edge density inside a band that excludes flat fills and noise
//   - contrast: spread of HSL lightness
//   - fur palette: median HSL saturation below the level of synthetic colour fields
//
// It is not a detector. It only filters inputs no photograph of a cat produces.
type HeuristicClassifier struct {
	Threshold float64
}

func NewHeuristicClassifier(threshold float64) *HeuristicClassifier {
	if threshold <= 0 {
		threshold = DefaultHeuristicThreshold
	}
	return &HeuristicClassifier{Threshold: threshold}
}

func (c *HeuristicClassifier) Classify(ctx context.Context, bmp *models.DecodedBitmap) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	thumb := transform.Resize(imagecodec.ToImage(bmp), heuristicSampleSize, heuristicSampleSize, transform.Linear)
	s, err := c.score(thumb)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Accept: s >= c.Threshold, Score: s}, nil
}

func (c *HeuristicClassifier) score(thumb *image.RGBA) (float64, error) {
	var total float64

	if d := edgeDensity(thumb); d >= minEdgeDensity && d <= maxEdgeDensity {
		total += textureWeight
	}

	lightness, saturation := hslChannels(thumb)

	std, err := stats.StandardDeviation(lightness)
	if err != nil {
		return 0, err
	}
	if std >= minLightnessStd {
		total += contrastWeight
	}

	median, err := stats.Median(saturation)
	if err != nil {
		return 0, err
	}
	if median <= maxFurSaturated {
		total += furWeight
	}

	return total, nil
}

func edgeDensity(img image.Image) float64 {
	edges := effect.Sobel(img)
	if len(edges.Pix) == 0 {
		return 0
	}

	var n int
	for _, v := range edges.Pix {
		if v > sobelEdgeLevel {
			n++
		}
	}
	return float64(n) / float64(len(edges.Pix))
}

func hslChannels(img *image.RGBA) (lightness, saturation []float64) {
	b := img.Bounds()
	lightness = make([]float64, 0, b.Dx()*b.Dy())
	saturation = make([]float64, 0, b.Dx()*b.Dy())

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			off := img.PixOffset(x, y)
			c, ok := colorful.MakeColor(color.RGBA{R: img.Pix[off], G: img.Pix[off+1], B: img.Pix[off+2], A: 0xff})
			if !ok {
				continue
			}
			_, s, l := c.Hsl()
			lightness = append(lightness, l)
			saturation = append(saturation, s)
		}
	}
	return lightness, saturation
}
