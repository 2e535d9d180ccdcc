package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meowid/breed-service/breeds"
	"github.com/meowid/breed-service/config"
	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/inference"
	"github.com/meowid/breed-service/logger"
	"github.com/meowid/breed-service/presence"
	"github.com/meowid/breed-service/preprocess"
	"github.com/meowid/breed-service/version"
)

const shutdownTimeout = 10 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:               "meowid",
	Short:             "cat breed identification service",
	Long:              "MeowID accepts cat photos, checks that they plausibly show a cat and ranks the most likely breeds.",
	Args:              cobra.NoArgs,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlag("verbose", cmd.Flags().Lookup("verbose")); err != nil {
			return err
		}
		if err := v.BindPFlag("console", cmd.Flags().Lookup("console")); err != nil {
			return err
		}

		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		if err := logger.Init(cfg.Verbose, cfg.Console, cfg.Log.Dir, cfg.Log.Rotate); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to the YAML config file")
	flags.Bool("verbose", false, "enable debug logging")
	flags.Bool("console", false, "log to stderr instead of files")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger.Infof("version: %s", version.String())

	state, err := newAppState(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := state.Close(); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	if cfg.Model.Preload {
		if err := state.Engine.EnsureLoaded(ctx); err != nil {
			return err
		}
	}

	go state.Sessions.Serve(cfg.Sessions.JanitorInterval)

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("starting server on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newAppState(cfg *config.Config) (*AppState, error) {
	catalog, err := loadCatalog(cfg.Model.Catalog)
	if err != nil {
		return nil, err
	}

	onnxOptions := inference.ONNXOptions{
		LibraryPath:    cfg.Model.ONNX.LibraryPath,
		PoolSize:       cfg.Model.ONNX.PoolSize,
		AcquireTimeout: cfg.Model.ONNX.AcquireTimeout,
		Threads:        cfg.Model.ONNX.Threads,
	}

	var (
		detector *inference.ONNXDetector
		runner   presence.Runner
	)
	if cfg.Validator.Classifier == config.ClassifierDetector {
		detector, err = inference.NewONNXDetector(cfg.Validator.Detector.Model, inference.DetectorOptions{
			InputSize:  cfg.Validator.Detector.InputSize,
			NumClasses: cfg.Validator.Detector.NumClasses,
			ONNX:       onnxOptions,
		})
		if err != nil {
			return nil, fmt.Errorf("load presence detector: %w", err)
		}
		runner = detector
	}

	classifier, err := newClassifier(cfg.Validator, runner)
	if err != nil {
		return nil, err
	}
	validator := presence.NewValidator(classifier)
	validator.MinDimension = cfg.Validator.MinDimension
	validator.MinAspect = cfg.Validator.MinAspect
	validator.MaxAspect = cfg.Validator.MaxAspect

	engine := inference.NewEngine(catalog.Labels(), inference.Options{
		Source: cfg.Model.Source,
		Seed:   cfg.Model.Seed,
		ONNX:   onnxOptions,
		S3: inference.S3Options{
			Region:         cfg.Model.S3.Region,
			Endpoint:       cfg.Model.S3.Endpoint,
			AccessKey:      cfg.Model.S3.AccessKey,
			SecretKey:      cfg.Model.S3.SecretKey,
			ForcePathStyle: cfg.Model.S3.ForcePathStyle,
		},
	})

	state := &AppState{
		Catalog:        catalog,
		Decoder:        imagecodec.NewDecoder(cfg.Image.MaxBytes, cfg.Image.MaxPixels),
		Validator:      validator,
		Preprocessor:   preprocess.New(),
		Engine:         engine,
		Detector:       detector,
		MaxBytes:       cfg.Image.MaxBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		EnableMetrics:  cfg.Metrics.Enable,
	}
	state.Sessions = NewSessionRegistry(cfg.Sessions.TTL, cfg.Sessions.MaxSessions, state.NewOrchestrator)
	return state, nil
}

// Close tears down sessions, the model and the ONNX runtime.
func (s *AppState) Close() error {
	s.Sessions.Close()

	var errs *multierror.Error
	if err := s.Engine.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if s.Detector != nil {
		if err := s.Detector.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := inference.ShutdownRuntime(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func loadCatalog(path string) (*breeds.Catalog, error) {
	if path == "" {
		return breeds.Default()
	}
	return breeds.Load(path)
}

func newClassifier(cfg config.ValidatorConfig, detector presence.Runner) (presence.Classifier, error) {
	switch cfg.Classifier {
	case config.ClassifierRandom:
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return presence.NewRandomClassifier(cfg.AcceptRate, seed), nil
	case config.ClassifierHeuristic:
		return presence.NewHeuristicClassifier(cfg.Threshold), nil
	case config.ClassifierDetector:
		if detector == nil {
			return nil, fmt.Errorf("presence detector is not loaded")
		}
		return presence.NewDetectorClassifier(detector, cfg.Detector.ClassID, cfg.Detector.Confidence), nil
	case config.ClassifierNone:
		return presence.AcceptAll{}, nil
	default:
		return nil, fmt.Errorf("unknown presence classifier %q", cfg.Classifier)
	}
}
