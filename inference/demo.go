package inference

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/meowid/breed-service/models"
)

const (
	DemoModelName = "demo-cnn"
	DefaultSeed   = 42

	kernelSize = 3
	denseUnits = 64
)

// Filter counts of the three conv blocks.
var convFilters = []int{8, 16, 32}

// DemoNetwork is a small untrained CNN with randomly initialised weights:
//
//	conv3x3+ReLU -> maxpool2 (x3) -> global average pool -> dense+ReLU -> dense -> softmax
//
// It produces well-formed probability vectors with no predictive value.
// Weights are read-only after construction and every call allocates its own
// activations, so concurrent Predict calls are safe.
type DemoNetwork struct {
	numClasses int
	convs      []*convLayer
	hidden     *denseLayer
	output     *denseLayer
}

type convLayer struct {
	in, out int
	// weights indexed ((o*9 + ky*3 + kx) * in) + c
	weights []float64
	bias    []float64
}

type denseLayer struct {
	weights *mat.Dense
	bias    *mat.VecDense
}

// NewDemoNetwork builds a network for numClasses outputs with He-normal
// weights drawn from seed.
func NewDemoNetwork(numClasses int, seed uint64) (*DemoNetwork, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("demo network needs at least one class, got %d", numClasses)
	}

	src := rand.NewSource(seed)
	n := &DemoNetwork{numClasses: numClasses}

	in := models.InputChannels
	for _, out := range convFilters {
		n.convs = append(n.convs, newConvLayer(in, out, src))
		in = out
	}
	n.hidden = newDenseLayer(in, denseUnits, src)
	n.output = newDenseLayer(denseUnits, numClasses, src)
	return n, nil
}

func heNormal(fanIn int, src rand.Source) distuv.Normal {
	return distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(fanIn)), Src: src}
}

func newConvLayer(in, out int, src rand.Source) *convLayer {
	dist := heNormal(kernelSize*kernelSize*in, src)
	l := &convLayer{
		in:      in,
		out:     out,
		weights: make([]float64, out*kernelSize*kernelSize*in),
		bias:    make([]float64, out),
	}
	for i := range l.weights {
		l.weights[i] = dist.Rand()
	}
	return l
}

func newDenseLayer(in, out int, src rand.Source) *denseLayer {
	dist := heNormal(in, src)
	w := make([]float64, out*in)
	for i := range w {
		w[i] = dist.Rand()
	}
	return &denseLayer{
		weights: mat.NewDense(out, in, w),
		bias:    mat.NewVecDense(out, nil),
	}
}

func (n *DemoNetwork) Name() string { return DemoModelName }

func (n *DemoNetwork) Close() error { return nil }

func (n *DemoNetwork) Predict(ctx context.Context, tensor *models.InputTensor) (models.PredictionVector, error) {
	if tensor == nil || tensor.Shape != models.ExpectedShape || len(tensor.Data) != models.InputSize*models.InputSize*models.InputChannels {
		return nil, fmt.Errorf("demo network: unexpected input")
	}

	h, w := models.InputSize, models.InputSize
	act := make([]float64, len(tensor.Data))
	for i, v := range tensor.Data {
		act[i] = float64(v)
	}

	for _, conv := range n.convs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		act = conv.forward(act, h, w)
		act, h, w = maxPool2(act, h, w, conv.out)
	}

	pooled := globalAveragePool(act, h, w, n.convs[len(n.convs)-1].out)
	hidden := n.hidden.forward(pooled)
	for i, v := range hidden {
		hidden[i] = math.Max(v, 0)
	}

	return softmax(n.output.forward(hidden)), nil
}

// forward is a same-padded 3x3 convolution followed by ReLU, HWC layout.
func (l *convLayer) forward(src []float64, h, w int) []float64 {
	dst := make([]float64, h*w*l.out)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := dst[(y*w+x)*l.out : (y*w+x+1)*l.out]
			copy(o, l.bias)
			for ky := 0; ky < kernelSize; ky++ {
				sy := y + ky - 1
				if sy < 0 || sy >= h {
					continue
				}
				for kx := 0; kx < kernelSize; kx++ {
					sx := x + kx - 1
					if sx < 0 || sx >= w {
						continue
					}
					px := src[(sy*w+sx)*l.in : (sy*w+sx+1)*l.in]
					k := ky*kernelSize + kx
					for oc := range o {
						off := (oc*kernelSize*kernelSize + k) * l.in
						o[oc] += floats.Dot(l.weights[off:off+l.in], px)
					}
				}
			}
			for oc, v := range o {
				if v < 0 {
					o[oc] = 0
				}
			}
		}
	}
	return dst
}

func maxPool2(src []float64, h, w, c int) ([]float64, int, int) {
	oh, ow := h/2, w/2
	dst := make([]float64, oh*ow*c)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			o := dst[(y*ow+x)*c : (y*ow+x+1)*c]
			copy(o, src[((2*y)*w+2*x)*c:((2*y)*w+2*x+1)*c])
			for _, p := range [][2]int{{0, 1}, {1, 0}, {1, 1}} {
				base := ((2*y+p[0])*w + 2*x + p[1]) * c
				for ch := 0; ch < c; ch++ {
					if v := src[base+ch]; v > o[ch] {
						o[ch] = v
					}
				}
			}
		}
	}
	return dst, oh, ow
}

func globalAveragePool(src []float64, h, w, c int) []float64 {
	out := make([]float64, c)
	for i := 0; i < h*w; i++ {
		floats.Add(out, src[i*c:(i+1)*c])
	}
	floats.Scale(1/float64(h*w), out)
	return out
}

func (l *denseLayer) forward(in []float64) []float64 {
	var out mat.VecDense
	out.MulVec(l.weights, mat.NewVecDense(len(in), in))
	out.AddVec(&out, l.bias)
	return append([]float64(nil), out.RawVector().Data...)
}

// softmax is computed in log space to stay finite for large logits.
func softmax(logits []float64) models.PredictionVector {
	lse := floats.LogSumExp(logits)
	out := make(models.PredictionVector, len(logits))
	for i, v := range logits {
		out[i] = float32(math.Exp(v - lse))
	}
	return out
}
