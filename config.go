package camrec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds recorder configuration.
type Config struct {
	VideoQuality string `mapstructure:"video_quality"`
	AudioQuality string `mapstructure:"audio_quality"`
	Audio        bool   `mapstructure:"audio"`

	OutputDir   string `mapstructure:"output_dir"`
	OverlayText string `mapstructure:"overlay_text"`

	ViewWidth  int `mapstructure:"view_width"`
	ViewHeight int `mapstructure:"view_height"`
	FPS        int `mapstructure:"fps"`

	Log     LogConfig     `mapstructure:"log"`
	Preview PreviewConfig `mapstructure:"preview"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PreviewConfig selects live preview outputs. Empty disables each.
type PreviewConfig struct {
	RTPAddr    string `mapstructure:"rtp_addr"`
	RTMPURL    string `mapstructure:"rtmp_url"`
	WebRTCAddr string `mapstructure:"webrtc_addr"` // HTTP signaling listen address
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		VideoQuality: VideoQualityMedium.String(),
		AudioQuality: AudioQualityMedium.String(),
		Audio:        true,
		OutputDir:    ".",
		ViewWidth:    720,
		ViewHeight:   1280,
		FPS:          30,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads configuration from path, or from camrec.yaml in the
// working directory and $HOME/.config/camrec when path is empty, then
// applies CAMREC_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("camrec")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "camrec"))
		}
	}

	v.SetEnvPrefix("CAMREC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even
// without a config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("video_quality", cfg.VideoQuality)
	v.SetDefault("audio_quality", cfg.AudioQuality)
	v.SetDefault("audio", cfg.Audio)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("overlay_text", cfg.OverlayText)
	v.SetDefault("view_width", cfg.ViewWidth)
	v.SetDefault("view_height", cfg.ViewHeight)
	v.SetDefault("fps", cfg.FPS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("preview.rtp_addr", cfg.Preview.RTPAddr)
	v.SetDefault("preview.rtmp_url", cfg.Preview.RTMPURL)
	v.SetDefault("preview.webrtc_addr", cfg.Preview.WebRTCAddr)
}

// Validate checks quality tiers and sizes.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseVideoQuality(c.VideoQuality); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseAudioQuality(c.AudioQuality); err != nil {
		errs = append(errs, err)
	}
	if c.ViewWidth <= 0 || c.ViewHeight <= 0 {
		errs = append(errs, fmt.Errorf("invalid view size %dx%d", c.ViewWidth, c.ViewHeight))
	}
	if c.FPS <= 0 || c.FPS > 240 {
		errs = append(errs, fmt.Errorf("invalid fps %d", c.FPS))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Presets resolves the configured quality tiers.
func (c *Config) Presets() (VideoPreset, AudioPreset, error) {
	vq, err := ParseVideoQuality(c.VideoQuality)
	if err != nil {
		return VideoPreset{}, AudioPreset{}, err
	}
	aq, err := ParseAudioQuality(c.AudioQuality)
	if err != nil {
		return VideoPreset{}, AudioPreset{}, err
	}
	return VideoPresetFor(vq), AudioPresetFor(aq), nil
}
