package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/meowid/breed-service/models"
)

// envelopeOverhead leaves room for multipart boundaries and JSON framing.
const envelopeOverhead = 1 << 20

var errNoImage = errors.New("request carries no image")

// readImage extracts the uploaded file from a JSON, multipart or raw body.
// Bodies larger than maxBytes plus encoding overhead fail with TooLargeError;
// the exact limit on the image bytes is enforced by the decoder.
func readImage(w http.ResponseWriter, r *http.Request, maxBytes int64) (models.RawImage, error) {
	limit := maxBytes + maxBytes/3 + envelopeOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		raw models.RawImage
		err error
	)
	switch mediaType {
	case "application/json":
		raw, err = handleJSONRequest(r)
	case "multipart/form-data":
		raw, err = handleMultipartRequest(r, maxBytes)
	default:
		raw, err = handleRawRequest(r, mediaType)
	}

	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return models.RawImage{}, &models.TooLargeError{Size: max(r.ContentLength, 0), Limit: maxBytes, Unit: "bytes"}
	}
	if err != nil {
		return models.RawImage{}, err
	}
	if len(raw.Data) == 0 {
		return models.RawImage{}, errNoImage
	}
	return raw, nil
}

func handleJSONRequest(r *http.Request) (models.RawImage, error) {
	var req struct {
		Image    string `json:"image"`
		MIMEType string `json:"mime_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.RawImage{}, fmt.Errorf("decode json body: %w", err)
	}

	// Accept data URLs as produced by browsers.
	payload := req.Image
	if strings.HasPrefix(payload, "data:") {
		header, data, ok := strings.Cut(payload, ",")
		if !ok {
			return models.RawImage{}, errors.New("malformed data url")
		}
		if req.MIMEType == "" {
			req.MIMEType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		payload = data
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.RawImage{}, fmt.Errorf("decode base64 image: %w", err)
	}
	return models.RawImage{Data: data, MIMEType: req.MIMEType}, nil
}

func handleMultipartRequest(r *http.Request, maxBytes int64) (models.RawImage, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return models.RawImage{}, err
	}

	for _, field := range []string{"file", "image"} {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return models.RawImage{}, err
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return models.RawImage{}, err
		}
		return models.RawImage{Data: data, MIMEType: header.Header.Get("Content-Type")}, nil
	}
	return models.RawImage{}, errNoImage
}

func handleRawRequest(r *http.Request, mediaType string) (models.RawImage, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return models.RawImage{}, err
	}

	// Generic binary types say nothing about the content; let the decoder sniff it.
	if mediaType == "application/octet-stream" {
		mediaType = ""
	}
	return models.RawImage{Data: data, MIMEType: mediaType}, nil
}
