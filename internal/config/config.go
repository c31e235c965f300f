package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/envelope"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
)

// Config represents the complete render configuration
type Config struct {
	Render    RenderConfig       `yaml:"render"`
	Inputs    InputsConfig       `yaml:"inputs"`
	Output    OutputConfig       `yaml:"output"`
	Audio     AudioConfig        `yaml:"audio"`
	Encoder   EncoderConfig      `yaml:"encoder"`
	Envelope  *envelope.Schedule `yaml:"envelope,omitempty"` // nil means the stock schedule
	Noise     NoiseConfig        `yaml:"noise"`
	Generator GeneratorConfig    `yaml:"generator"`
	Status    StatusConfig       `yaml:"status"`
}

// RenderConfig contains pipeline settings
type RenderConfig struct {
	BatchSize    int     `yaml:"batch_size"`
	Resolution   string  `yaml:"resolution"`     // 512, 1024, 1080p
	DurationS    float64 `yaml:"duration_s"`     // clip length; frame rate is frames/duration
	OffsetS      float64 `yaml:"offset_s"`       // start of the audio slice
	Truncation   float64 `yaml:"truncation"`     // default: 1
	IdleTimeoutS float64 `yaml:"idle_timeout_s"` // default: 10
	SplitQueue   int     `yaml:"split_queue"`    // batches buffered before the splitter (default: 4)
	FeedQueue    int     `yaml:"feed_queue"`     // frames buffered before the encoder (default: 32)
}

// InputsConfig points at the tensors to render
type InputsConfig struct {
	File string `yaml:"file"` // msgpack file with latents, noise and manipulations
}

// OutputConfig contains output file settings
type OutputConfig struct {
	Path   string `yaml:"path"`   // explicit output path
	Dir    string `yaml:"dir"`    // used when path is empty: <dir>/<id>.mp4
	Verify bool   `yaml:"verify"` // probe the finished file
}

// AudioConfig contains the optional soundtrack
type AudioConfig struct {
	File string `yaml:"file"`
}

// EncoderConfig contains encoder settings
type EncoderConfig struct {
	Backend      string   `yaml:"backend"` // ffmpeg, gstreamer
	Binary       string   `yaml:"binary"`
	VCodec       string   `yaml:"vcodec"`
	Preset       string   `yaml:"preset"`
	AudioBitrate string   `yaml:"audio_bitrate"`
	GlobalArgs   []string `yaml:"global_args"`
}

// NoiseConfig contains weight-noise field settings
type NoiseConfig struct {
	Seed     *uint64 `yaml:"seed"`      // fresh random seed per run when unset
	Sigma    float64 `yaml:"sigma"`     // gaussian sigma in frames (default: 3)
	MaxLayer *int    `yaml:"max_layer"` // highest modulated layer (default: 7)
}

// GeneratorConfig describes the model process
type GeneratorConfig struct {
	Command      string              `yaml:"command"`
	Args         []string            `yaml:"args"`
	Dir          string              `yaml:"dir"`
	CallTimeoutS float64             `yaml:"call_timeout_s"` // 0 disables the per-call bound
	Settings     *generator.Settings `yaml:"settings,omitempty"`
}

// StatusConfig contains the progress server settings
type StatusConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8089"; empty disables the server
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
