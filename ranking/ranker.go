// Package ranking turns a probability vector into a primary breed and its
// runners-up.
package ranking

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/meowid/breed-service/models"
)

// MaxAlternatives is the number of runners-up reported after the primary.
const MaxAlternatives = 2

// Rank pairs vec[i] with labels[i], converts each probability to an integer
// percentage and orders them by descending confidence. Equal confidences keep
// label order.
func Rank(vec models.PredictionVector, labels []models.BreedClass) (*models.ClassificationResult, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("empty label set")
	}
	if len(vec) != len(labels) {
		return nil, fmt.Errorf("prediction has %d classes, label set has %d", len(vec), len(labels))
	}

	ranked := make([]models.RankedPrediction, len(labels))
	for i, p := range vec {
		ranked[i] = models.RankedPrediction{
			Breed:      copyClass(labels[i]),
			Confidence: Confidence(p),
		}
	}

	slices.SortStableFunc(ranked, func(a, b models.RankedPrediction) bool {
		return a.Confidence > b.Confidence
	})

	n := len(ranked) - 1
	if n > MaxAlternatives {
		n = MaxAlternatives
	}

	result := &models.ClassificationResult{
		Primary:      ranked[0],
		Alternatives: make([]models.RankedPrediction, 0, n),
	}
	for i := 1; i <= n; i++ {
		ranked[i].Rank = i
		result.Alternatives = append(result.Alternatives, ranked[i])
	}
	return result, nil
}

// Confidence maps a probability to an integer percentage in [0,100].
// Non-finite values count as zero.
func Confidence(p float32) int {
	f := float64(p)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	c := int(math.Round(f * 100))
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

func copyClass(c models.BreedClass) models.BreedClass {
	if c.Characteristics != nil {
		c.Characteristics = append([]string(nil), c.Characteristics...)
	}
	return c
}
