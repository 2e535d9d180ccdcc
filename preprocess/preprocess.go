// Package preprocess turns decoded bitmaps into model input tensors.
package preprocess

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"

	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/models"
)

var wideVectors = cpu.X86.HasAVX2 || cpu.X86.HasAVX512 || cpu.ARM64.HasASIMD

// Preprocessor resizes to InputSize x InputSize with bilinear interpolation and
// scales every channel into [0,1]. The output layout is NHWC with batch 1.
type Preprocessor struct {
	size       int
	numWorkers int
}

func New() *Preprocessor {
	workers := 1
	if wideVectors {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Preprocessor{size: models.InputSize, numWorkers: workers}
}

// WithWorkers overrides the normalisation worker count. Values below 1 mean sequential.
func (p *Preprocessor) WithWorkers(n int) *Preprocessor {
	if n < 1 {
		n = 1
	}
	return &Preprocessor{size: p.size, numWorkers: n}
}

// Process never mutates bmp.
func (p *Preprocessor) Process(bmp *models.DecodedBitmap) (*models.InputTensor, error) {
	if err := check(bmp); err != nil {
		return nil, err
	}

	resized := imaging.Resize(imagecodec.ToImage(bmp), p.size, p.size, imaging.Linear)

	tensor := &models.InputTensor{
		Shape: [4]int{1, p.size, p.size, models.InputChannels},
		Data:  make([]float32, p.size*p.size*models.InputChannels),
	}
	if p.numWorkers > 1 {
		p.processParallel(resized, tensor.Data)
	} else {
		p.processRows(resized, tensor.Data, 0, p.size)
	}
	return tensor, nil
}

func check(bmp *models.DecodedBitmap) error {
	if bmp == nil {
		return &models.PreprocessError{Message: "no bitmap"}
	}
	if bmp.Width <= 0 || bmp.Height <= 0 {
		return &models.PreprocessError{Message: fmt.Sprintf("invalid dimensions %dx%d", bmp.Width, bmp.Height)}
	}
	if bmp.Channels != models.InputChannels {
		return &models.PreprocessError{Message: fmt.Sprintf("expected %d channels, got %d", models.InputChannels, bmp.Channels)}
	}
	if want := bmp.Width * bmp.Height * bmp.Channels; len(bmp.Pix) != want {
		return &models.PreprocessError{Message: fmt.Sprintf("pixel buffer has %d bytes, want %d", len(bmp.Pix), want)}
	}
	return nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, dst []float32) {
	workers := p.numWorkers
	if workers > p.size {
		workers = p.size
	}
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == workers-1 {
			end = p.size
		}
		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, dst, start, end)
		}(start, end)
	}
	wg.Wait()
}

func (p *Preprocessor) processRows(img *image.NRGBA, dst []float32, start, end int) {
	for y := start; y < end; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
		row := dst[y*p.size*3 : (y+1)*p.size*3]
		for x := 0; x < p.size; x++ {
			row[x*3] = float32(src[x*4]) / 255.0
			row[x*3+1] = float32(src[x*4+1]) / 255.0
			row[x*3+2] = float32(src[x*4+2]) / 255.0
		}
	}
}
