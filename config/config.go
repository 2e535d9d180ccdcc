// Package config holds the service configuration and its loading rules:
// built-in defaults, then an optional YAML file, then MEOWID_* environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meowid/breed-service/inference"
	"github.com/meowid/breed-service/logger"
)

type Config struct {
	// Console writes logs to stderr instead of files.
	Console bool `yaml:"console" mapstructure:"console"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`

	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Image     ImageConfig     `yaml:"image" mapstructure:"image"`
	Model     ModelConfig     `yaml:"model" mapstructure:"model"`
	Validator ValidatorConfig `yaml:"validator" mapstructure:"validator"`
	Sessions  SessionsConfig  `yaml:"sessions" mapstructure:"sessions"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required"`

	ReadTimeout  time.Duration `yaml:"readTimeout" mapstructure:"readTimeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout" validate:"gt=0"`

	// RequestTimeout bounds the synchronous /identify pipeline.
	RequestTimeout time.Duration `yaml:"requestTimeout" mapstructure:"requestTimeout" validate:"gt=0"`

	// AllowedOrigins lists CORS origins. "*" allows any.
	AllowedOrigins []string `yaml:"allowedOrigins" mapstructure:"allowedOrigins"`
}

type ImageConfig struct {
	// MaxBytes caps upload size.
	MaxBytes int64 `yaml:"maxBytes" mapstructure:"maxBytes" validate:"gt=0"`

	// MaxPixels caps width*height before full decode.
	MaxPixels int64 `yaml:"maxPixels" mapstructure:"maxPixels" validate:"gt=0"`
}

type ModelConfig struct {
	// Source is a path, file:// URL or s3:// URL of an .onnx model. Empty uses the demo network.
	Source string `yaml:"source" mapstructure:"source"`

	// Seed initialises the demo network weights.
	Seed uint64 `yaml:"seed" mapstructure:"seed"`

	// Preload loads the model at startup instead of on the first upload.
	Preload bool `yaml:"preload" mapstructure:"preload"`

	// Catalog overrides the embedded breed catalog.
	Catalog string `yaml:"catalog" mapstructure:"catalog"`

	ONNX ONNXConfig `yaml:"onnx" mapstructure:"onnx"`
	S3   S3Config   `yaml:"s3" mapstructure:"s3"`
}

type ONNXConfig struct {
	LibraryPath    string        `yaml:"libraryPath" mapstructure:"libraryPath"`
	PoolSize       int           `yaml:"poolSize" mapstructure:"poolSize" validate:"gte=1"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout" mapstructure:"acquireTimeout" validate:"gt=0"`
	Threads        int           `yaml:"threads" mapstructure:"threads" validate:"gte=0"`
}

type S3Config struct {
	Region         string `yaml:"region" mapstructure:"region"`
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey      string `yaml:"accessKey" mapstructure:"accessKey"`
	SecretKey      string `yaml:"secretKey" mapstructure:"secretKey"`
	ForcePathStyle bool   `yaml:"forcePathStyle" mapstructure:"forcePathStyle"`
}

type ValidatorConfig struct {
	MinDimension int     `yaml:"minDimension" mapstructure:"minDimension" validate:"gte=1"`
	MinAspect    float64 `yaml:"minAspect" mapstructure:"minAspect" validate:"gt=0"`
	MaxAspect    float64 `yaml:"maxAspect" mapstructure:"maxAspect" validate:"gt=0"`

	// Classifier selects the secondary gate: random, heuristic, detector or none.
	Classifier string `yaml:"classifier" mapstructure:"classifier" validate:"oneof=random heuristic detector none"`

	// AcceptRate is used by the random classifier.
	AcceptRate float64 `yaml:"acceptRate" mapstructure:"acceptRate" validate:"gte=0,lte=1"`

	// Threshold is used by the heuristic classifier.
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"gte=0,lte=1"`

	// Seed seeds the random classifier. Zero means time-based.
	Seed int64 `yaml:"seed" mapstructure:"seed"`

	Detector DetectorConfig `yaml:"detector" mapstructure:"detector"`
}

// DetectorConfig describes a YOLO-style ONNX object detector used as the presence gate.
type DetectorConfig struct {
	Model      string  `yaml:"model" mapstructure:"model"`
	InputSize  int     `yaml:"inputSize" mapstructure:"inputSize" validate:"gte=32"`
	NumClasses int     `yaml:"numClasses" mapstructure:"numClasses" validate:"gte=1"`
	ClassID    int     `yaml:"classID" mapstructure:"classID" validate:"gte=0,ltfield=NumClasses"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence" validate:"gt=0,lte=1"`
}

type SessionsConfig struct {
	// TTL evicts sessions idle for longer than this.
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gt=0"`
	JanitorInterval time.Duration `yaml:"janitorInterval" mapstructure:"janitorInterval" validate:"gt=0"`
	MaxSessions     int           `yaml:"maxSessions" mapstructure:"maxSessions" validate:"gte=1"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
}

type LogConfig struct {
	Dir    string              `yaml:"dir" mapstructure:"dir"`
	Rotate logger.RotateConfig `yaml:"rotate" mapstructure:"rotate"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           DefaultServerAddr,
			ReadTimeout:    DefaultServerReadTimeout,
			WriteTimeout:   DefaultServerWriteTimeout,
			RequestTimeout: DefaultRequestTimeout,
			AllowedOrigins: []string{"*"},
		},
		Image: ImageConfig{
			MaxBytes:  DefaultMaxUploadBytes,
			MaxPixels: DefaultMaxPixels,
		},
		Model: ModelConfig{
			Seed: inference.DefaultSeed,
			ONNX: ONNXConfig{
				PoolSize:       DefaultPoolSize,
				AcquireTimeout: DefaultAcquireTimeout,
			},
		},
		Validator: ValidatorConfig{
			MinDimension: DefaultMinDimension,
			MinAspect:    DefaultMinAspect,
			MaxAspect:    DefaultMaxAspect,
			Classifier:   ClassifierHeuristic,
			AcceptRate:   DefaultAcceptRate,
			Threshold:    DefaultThreshold,
			Detector: DetectorConfig{
				InputSize:  DefaultDetectorInputSize,
				NumClasses: DefaultDetectorClasses,
				ClassID:    DefaultDetectorClassID,
				Confidence: DefaultDetectorConfidence,
			},
		},
		Sessions: SessionsConfig{
			TTL:             DefaultSessionTTL,
			JanitorInterval: DefaultJanitorInterval,
			MaxSessions:     DefaultMaxSessions,
		},
		Metrics: MetricsConfig{
			Enable: true,
		},
		Log: LogConfig{
			Dir: DefaultLogDir,
			Rotate: logger.RotateConfig{
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 5,
			},
		},
	}
}

// Validate checks field constraints and cross-field rules and reports every
// violation at once.
func (cfg *Config) Validate() error {
	var errs *multierror.Error

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = multierror.Append(errs, fmt.Errorf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	if cfg.Validator.MinAspect >= cfg.Validator.MaxAspect {
		errs = multierror.Append(errs, fmt.Errorf("validator.minAspect %v must be below validator.maxAspect %v",
			cfg.Validator.MinAspect, cfg.Validator.MaxAspect))
	}

	if !cfg.Console && cfg.Log.Dir == "" {
		errs = multierror.Append(errs, fmt.Errorf("log.dir is required when console logging is off"))
	}

	if cfg.Validator.Classifier == ClassifierDetector && !strings.HasSuffix(cfg.Validator.Detector.Model, ".onnx") {
		errs = multierror.Append(errs, fmt.Errorf("validator.detector.model %q must point to an .onnx file", cfg.Validator.Detector.Model))
	}

	if src := cfg.Model.Source; src != "" && !strings.HasSuffix(src, ".onnx") {
		errs = multierror.Append(errs, fmt.Errorf("model.source %q must point to an .onnx file", src))
	}

	return errs.ErrorOrNil()
}

// Load layers path (optional) and environment variables over the defaults and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	defaults, err := yaml.Marshal(New())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
