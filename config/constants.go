package config

import (
	"time"

	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/inference"
	"github.com/meowid/breed-service/presence"
)

const (
	// EnvPrefix is the prefix of every environment override, e.g. MEOWID_SERVER_ADDR.
	EnvPrefix = "meowid"

	DefaultServerAddr         = "127.0.0.1:8080"
	DefaultServerReadTimeout  = 60 * time.Second
	DefaultServerWriteTimeout = 60 * time.Second
	DefaultRequestTimeout     = 30 * time.Second

	DefaultMaxUploadBytes = imagecodec.DefaultMaxBytes
	DefaultMaxPixels      = imagecodec.DefaultMaxPixels

	DefaultPoolSize       = inference.DefaultPoolSize
	DefaultAcquireTimeout = inference.DefaultAcquireTimeout

	DefaultSessionTTL      = 30 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultMaxSessions     = 1024

	DefaultLogDir = "/var/log/meowid"
)

// Presence classifier kinds.
const (
	ClassifierRandom    = "random"
	ClassifierHeuristic = "heuristic"
	ClassifierDetector  = "detector"
	ClassifierNone      = "none"
)

var (
	DefaultMinDimension = presence.DefaultMinDimension
	DefaultMinAspect    = presence.DefaultMinAspect
	DefaultMaxAspect    = presence.DefaultMaxAspect
	DefaultAcceptRate   = presence.DefaultAcceptRate
	DefaultThreshold    = presence.DefaultHeuristicThreshold

	DefaultDetectorInputSize  = inference.DefaultDetectorInputSize
	DefaultDetectorClasses    = inference.DefaultDetectorClasses
	DefaultDetectorClassID    = presence.CatClassID
	DefaultDetectorConfidence = presence.DefaultDetectorConfidence
)
