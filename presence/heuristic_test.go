package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowid/breed-service/models"
)

// stripedBitmap paints vertical stripes of width stripe alternating between a and b.
func stripedBitmap(width, height, stripe int, a, b [3]uint8) *models.DecodedBitmap {
	pix := make([]uint8, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := a
			if (x/stripe)%2 == 1 {
				c = b
			}
			copy(pix[(y*width+x)*3:], c[:])
		}
	}
	return &models.DecodedBitmap{Width: width, Height: height, Channels: 3, Pix: pix}
}

func TestHeuristicClassifier(t *testing.T) {
	tests := []struct {
		name   string
		bmp    *models.DecodedBitmap
		accept bool
	}{
		{
			name:   "tabby-like stripes",
			bmp:    stripedBitmap(128, 128, 16, [3]uint8{150, 120, 90}, [3]uint8{50, 40, 30}),
			accept: true,
		},
		{
			name:   "flat grey fill",
			bmp:    stripedBitmap(128, 128, 16, [3]uint8{128, 128, 128}, [3]uint8{128, 128, 128}),
			accept: false,
		},
		{
			name:   "saturated colour field",
			bmp:    stripedBitmap(128, 128, 16, [3]uint8{255, 0, 0}, [3]uint8{0, 255, 255}),
			accept: false,
		},
	}

	c := NewHeuristicClassifier(0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := c.Classify(context.Background(), tc.bmp)
			require.NoError(t, err)
			assert.Equal(t, tc.accept, d.Accept, "score %.2f", d.Score)
			assert.GreaterOrEqual(t, d.Score, 0.0)
			assert.LessOrEqual(t, d.Score, 1.0)
		})
	}
}

func TestHeuristicClassifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHeuristicClassifier(0).Classify(ctx, stripedBitmap(100, 100, 10, [3]uint8{}, [3]uint8{}))
	assert.ErrorIs(t, err, context.Canceled)
}
