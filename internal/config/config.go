package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"compress-img-go/internal/compressor"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Progress modes
const (
	ProgressSimulated = "simulated"
	ProgressImmediate = "immediate"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the quality search settings
type CompressionConfig struct {
	MaxWidth           int           `mapstructure:"max_width"`
	InitialQuality     float64       `mapstructure:"initial_quality"`
	QualityStep        float64       `mapstructure:"quality_step"`
	MinQuality         float64       `mapstructure:"min_quality"`
	MinTargetSizeBytes int           `mapstructure:"min_target_size_bytes"`
	EncodeTimeout      time.Duration `mapstructure:"encode_timeout"`
	Encoder            string        `mapstructure:"encoder"` // imaging, jpegli
}

// ProgressConfig contains the cosmetic progress bar settings
type ProgressConfig struct {
	Mode     string        `mapstructure:"mode"` // simulated, immediate
	Interval time.Duration `mapstructure:"interval"`
	Step     int           `mapstructure:"step"`
}

// BatchConfig contains settings for compressing files from disk
type BatchConfig struct {
	SupportedExtensions []string `mapstructure:"supported_extensions"`
	WorkerThreads       int      `mapstructure:"worker_threads"`
	OutputPrefix        string   `mapstructure:"output_prefix"`
	SkipMarked          bool     `mapstructure:"skip_marked"`
	MarkOutput          bool     `mapstructure:"mark_output"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port        int   `mapstructure:"port"`
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cc := compressor.DefaultConfig()
	return &Config{
		Compression: CompressionConfig{
			MaxWidth:           cc.MaxWidth,
			InitialQuality:     cc.InitialQuality,
			QualityStep:        cc.QualityStep,
			MinQuality:         cc.MinQuality,
			MinTargetSizeBytes: cc.MinTargetSizeBytes,
			EncodeTimeout:      cc.EncodeTimeout,
			Encoder:            compressor.EncoderImaging,
		},
		Progress: ProgressConfig{
			Mode:     ProgressSimulated,
			Interval: 500 * time.Millisecond,
			Step:     10,
		},
		Batch: BatchConfig{
			SupportedExtensions: []string{
				".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif", ".webp",
			},
			WorkerThreads: 4,
			OutputPrefix:  "compressed_",
			SkipMarked:    true,
			MarkOutput:    false,
		},
		Server: ServerConfig{
			Port:        8080,
			MaxUploadMB: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "compress-img.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.compress-img")
		v.AddConfigPath("/etc/compress-img")
	}

	v.SetEnvPrefix("COMPRESS_IMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("compression.max_width", d.Compression.MaxWidth)
	v.SetDefault("compression.initial_quality", d.Compression.InitialQuality)
	v.SetDefault("compression.quality_step", d.Compression.QualityStep)
	v.SetDefault("compression.min_quality", d.Compression.MinQuality)
	v.SetDefault("compression.min_target_size_bytes", d.Compression.MinTargetSizeBytes)
	v.SetDefault("compression.encode_timeout", d.Compression.EncodeTimeout)
	v.SetDefault("compression.encoder", d.Compression.Encoder)

	v.SetDefault("progress.mode", d.Progress.Mode)
	v.SetDefault("progress.interval", d.Progress.Interval)
	v.SetDefault("progress.step", d.Progress.Step)

	v.SetDefault("batch.supported_extensions", d.Batch.SupportedExtensions)
	v.SetDefault("batch.worker_threads", d.Batch.WorkerThreads)
	v.SetDefault("batch.output_prefix", d.Batch.OutputPrefix)
	v.SetDefault("batch.skip_marked", d.Batch.SkipMarked)
	v.SetDefault("batch.mark_output", d.Batch.MarkOutput)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.CompressorConfig().Validate(); err != nil {
		return err
	}

	c.Compression.Encoder = strings.ToLower(c.Compression.Encoder)
	if _, err := compressor.NewEncoder(c.Compression.Encoder); err != nil {
		return err
	}

	c.Progress.Mode = strings.ToLower(c.Progress.Mode)
	if c.Progress.Mode != ProgressSimulated && c.Progress.Mode != ProgressImmediate {
		return fmt.Errorf("invalid progress mode: %s (valid: simulated, immediate)", c.Progress.Mode)
	}
	if c.Progress.Interval <= 0 {
		c.Progress.Interval = 500 * time.Millisecond
	}
	if c.Progress.Step <= 0 || c.Progress.Step > 100 {
		return fmt.Errorf("invalid progress step: %d (valid: 1-100)", c.Progress.Step)
	}

	c.Batch.SupportedExtensions = normalizeExtensions(c.Batch.SupportedExtensions)
	if c.Batch.WorkerThreads <= 0 {
		c.Batch.WorkerThreads = 4
	}
	if c.Batch.OutputPrefix == "" {
		return fmt.Errorf("batch.output_prefix must not be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 50
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// CompressorConfig returns the per-run settings for the compression controller.
func (c *Config) CompressorConfig() compressor.Config {
	return compressor.Config{
		MaxWidth:           c.Compression.MaxWidth,
		InitialQuality:     c.Compression.InitialQuality,
		QualityStep:        c.Compression.QualityStep,
		MinQuality:         c.Compression.MinQuality,
		MinTargetSizeBytes: c.Compression.MinTargetSizeBytes,
		EncodeTimeout:      c.Compression.EncodeTimeout,
	}
}

// IsImmediate reports whether compression starts without the progress bar.
func (c *Config) IsImmediate() bool {
	return c.Progress.Mode == ProgressImmediate
}

// IsSupportedExtension checks if the extension is one batch mode accepts
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.Batch.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
