package logger

import (
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	CoreLogFileName = "core.log"
	HTTPLogFileName = "http.log"
)

// RotateConfig controls lumberjack rotation of file logs.
type RotateConfig struct {
	MaxSize    int  `yaml:"maxSize" mapstructure:"maxSize"`
	MaxAge     int  `yaml:"maxAge" mapstructure:"maxAge"`
	MaxBackups int  `yaml:"maxBackups" mapstructure:"maxBackups"`
	Compress   bool `yaml:"compress" mapstructure:"compress"`
}

type logInitMeta struct {
	fileName             string
	setSugaredLoggerFunc func(*zap.SugaredLogger)
}

// Init replaces the package loggers with a console logger or with one JSON
// file logger per concern under dir.
func Init(verbose, console bool, dir string, rotate RotateConfig) error {
	if console {
		return createConsoleLogger(verbose)
	}

	var meta = []logInitMeta{
		{
			fileName:             CoreLogFileName,
			setSugaredLoggerFunc: SetCoreLogger,
		},
		{
			fileName:             HTTPLogFileName,
			setSugaredLoggerFunc: SetHTTPLogger,
		},
	}

	return createFileLogger(verbose, meta, dir, rotate)
}

func createConsoleLogger(verbose bool) error {
	levels = nil
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := config.Build(zap.AddCaller(), zap.AddStacktrace(zap.WarnLevel), zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	sugar := log.Sugar()
	SetCoreLogger(sugar)
	SetHTTPLogger(sugar)
	levels = append(levels, config.Level)
	return nil
}

func createFileLogger(verbose bool, meta []logInitMeta, logDir string, rotate RotateConfig) error {
	levels = nil

	for _, m := range meta {
		log, level := CreateLogger(filepath.Join(logDir, m.fileName), verbose, rotate)
		m.setSugaredLoggerFunc(log.Sugar())
		levels = append(levels, level)
	}
	return nil
}

// CreateLogger builds a JSON logger writing to a lumberjack-rotated file.
func CreateLogger(filePath string, verbose bool, rotate RotateConfig) (*zap.Logger, zap.AtomicLevel) {
	syncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotate.MaxSize,
		MaxAge:     rotate.MaxAge,
		MaxBackups: rotate.MaxBackups,
		LocalTime:  true,
		Compress:   rotate.Compress,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		level.SetLevel(zap.DebugLevel)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		syncer,
		level,
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.WarnLevel), zap.AddCallerSkip(1)), level
}
