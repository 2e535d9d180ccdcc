package main

import (
	"errors"

	"github.com/meowid/breed-service/models"
)

const (
	MsgDecode = "We couldn't open that file as a photo. Please upload a JPEG, PNG, WebP, GIF, BMP or TIFF picture of your cat."

	MsgTooLarge = "That photo is too large. Please upload an image under 10MB."

	MsgTooSmall = "That photo is too small to analyze. Please upload an image at least 100 pixels wide and tall."

	MsgAspectRatio = "That photo is too stretched. Please upload a picture that is closer to square, like a regular portrait or landscape shot."

	MsgNotACat = "We couldn't find a cat in that photo. Please upload a clear picture where your cat is the main subject."

	MsgDetectorError = "We couldn't check that photo for a cat right now. Please try again in a moment."

	MsgModelLoad = "Our breed recognizer is not available right now. Please try again in a few minutes."

	MsgNotLoaded = "Our breed recognizer is still warming up. Please try again shortly."

	MsgPreprocess = "Something went wrong while preparing your photo. Please try a different picture."

	MsgAnalysis = "Something went wrong while analyzing your photo. Please try again."

	MsgTimeout = "Analyzing your photo took too long. Please try again."

	MsgResetHint = "Choose \"Try another photo\" to start over."
)

// userMessage returns the client-facing text for a pipeline error.
func userMessage(err error) string {
	switch models.CategoryOf(err) {
	case models.CategoryDecode:
		return MsgDecode
	case models.CategoryTooLarge:
		return MsgTooLarge
	case models.CategoryValidation:
		return rejectionMessage(err)
	case models.CategoryModelLoad:
		return MsgModelLoad
	case models.CategoryNotLoaded:
		return MsgNotLoaded
	case models.CategoryPreprocess:
		return MsgPreprocess
	default:
		return MsgAnalysis
	}
}

func rejectionMessage(err error) string {
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		return MsgNotACat
	}

	switch ve.Reason {
	case models.ReasonTooSmall:
		return MsgTooSmall
	case models.ReasonAspectRatio:
		return MsgAspectRatio
	case models.ReasonDetectorError:
		return MsgDetectorError
	default:
		return MsgNotACat
	}
}
