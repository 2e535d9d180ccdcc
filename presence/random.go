package presence

import (
	"context"
	"math/rand"
	"sync"

	"github.com/meowid/breed-service/models"
)

// DefaultAcceptRate models a detector that rejects roughly one image in ten.
const DefaultAcceptRate = 0.9

// RandomClassifier accepts with a fixed probability. It stands in for a
// detector when none is deployed.
type RandomClassifier struct {
	acceptRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomClassifier(acceptRate float64, seed int64) *RandomClassifier {
	if acceptRate < 0 {
		acceptRate = 0
	}
	if acceptRate > 1 {
		acceptRate = 1
	}
	return &RandomClassifier{
		acceptRate: acceptRate,
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

func (c *RandomClassifier) Classify(ctx context.Context, _ *models.DecodedBitmap) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	c.mu.Lock()
	score := c.rnd.Float64()
	c.mu.Unlock()

	return Decision{Accept: score < c.acceptRate, Score: 1 - score}, nil
}
