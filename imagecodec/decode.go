// Package imagecodec turns uploaded bytes into an RGB bitmap.
package imagecodec

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder

	"github.com/meowid/breed-service/models"
)

const (
	// DefaultMaxBytes matches the 10MB upload guidance.
	DefaultMaxBytes = 10 << 20
	// DefaultMaxPixels bounds decoded memory before the full decode runs.
	DefaultMaxPixels = 40_000_000
)

type Decoder struct {
	MaxBytes  int64
	MaxPixels int64
}

func NewDecoder(maxBytes, maxPixels int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{MaxBytes: maxBytes, MaxPixels: maxPixels}
}

// Decode validates raw and returns its pixels as interleaved RGB.
func (d *Decoder) Decode(raw models.RawImage) (*models.DecodedBitmap, error) {
	if len(raw.Data) == 0 {
		return nil, &models.DecodeError{Message: "empty image data"}
	}

	if d.MaxBytes > 0 && int64(len(raw.Data)) > d.MaxBytes {
		return nil, &models.TooLargeError{Size: int64(len(raw.Data)), Limit: d.MaxBytes, Unit: "bytes"}
	}

	if mt := strings.TrimSpace(raw.MIMEType); mt != "" && !strings.HasPrefix(strings.ToLower(mt), "image/") {
		return nil, &models.DecodeError{Message: "unsupported media type " + mt}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, &models.DecodeError{Message: "unrecognized image format", Cause: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &models.DecodeError{Message: "image has zero dimension"}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); d.MaxPixels > 0 && pixels > d.MaxPixels {
		return nil, &models.TooLargeError{Size: pixels, Limit: d.MaxPixels, Unit: "pixels"}
	}

	img, err := imaging.Decode(bytes.NewReader(raw.Data), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &models.DecodeError{Message: "truncated image data", Cause: err}
		}
		return nil, &models.DecodeError{Message: "decode " + format + " image", Cause: err}
	}

	bmp := ToBitmap(img)
	if bmp.Width == 0 || bmp.Height == 0 {
		return nil, &models.DecodeError{Message: "image has zero dimension"}
	}
	bmp.Format = format
	return bmp, nil
}

// ToBitmap converts any image to an interleaved RGB bitmap, dropping alpha.
func ToBitmap(img image.Image) *models.DecodedBitmap {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = image.NewNRGBA(bounds)
		draw.Draw(nrgba, bounds, img, bounds.Min, draw.Src)
	}

	pix := make([]uint8, w*h*models.InputChannels)
	for y := 0; y < h; y++ {
		off := nrgba.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		src := nrgba.Pix[off : off+w*4]
		dst := pix[y*w*models.InputChannels : (y+1)*w*models.InputChannels]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}

	return &models.DecodedBitmap{
		Width:    w,
		Height:   h,
		Channels: models.InputChannels,
		Pix:      pix,
	}
}

// ToImage wraps a bitmap as an opaque NRGBA image. The bitmap is copied.
func ToImage(bmp *models.DecodedBitmap) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, bmp.Width, bmp.Height))
	for i, j := 0, 0; i+2 < len(bmp.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = bmp.Pix[i]
		img.Pix[j+1] = bmp.Pix[i+1]
		img.Pix[j+2] = bmp.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
