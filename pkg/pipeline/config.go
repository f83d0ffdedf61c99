package pipeline

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes one pipeline: where frames come from and which triggers run on them
type Config struct {
	Source      SourceConfig             `yaml:"source" json:"source"`
	MaxInFlight int                      `yaml:"max_in_flight" json:"max_in_flight"`
	Runners     map[string]RunnerConfig  `yaml:"runners,omitempty" json:"runners,omitempty"`
	Triggers    map[string]TriggerConfig `yaml:"triggers" json:"triggers"`
}

// SourceConfig selects and parameterizes the frame source
type SourceConfig struct {
	Kind       SourceKind `yaml:"kind" json:"kind"`
	Input      string     `yaml:"input" json:"input"`
	SampleRate float64    `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"` // frames per second to decode
	Width      int        `yaml:"width,omitempty" json:"width,omitempty"`
	Height     int        `yaml:"height,omitempty" json:"height,omitempty"`
	HWAccel    string     `yaml:"hwaccel,omitempty" json:"hwaccel,omitempty"` // ffmpeg -hwaccel value, default auto
	FFmpegPath string     `yaml:"ffmpeg_path,omitempty" json:"ffmpeg_path,omitempty"`
}

// RunnerConfig declares a named, shareable runner instance
type RunnerConfig struct {
	Kind        RunnerKind `yaml:"kind" json:"kind"`
	Concurrency *int       `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Config      yaml.Node  `yaml:"config,omitempty" json:"-"`
}

// TriggerConfig binds a runner, a selection policy and a sink
type TriggerConfig struct {
	// Runner references an entry of Config.Runners. Mutually exclusive with RunnerKind.
	Runner string `yaml:"runner,omitempty" json:"runner,omitempty"`

	// RunnerKind declares a private runner for this trigger
	RunnerKind        RunnerKind `yaml:"runner_kind,omitempty" json:"runner_kind,omitempty"`
	RunnerConfig      yaml.Node  `yaml:"runner_config,omitempty" json:"-"`
	RunnerConcurrency *int       `yaml:"runner_concurrency,omitempty" json:"runner_concurrency,omitempty"`

	Crop   *CropConfig  `yaml:"crop,omitempty" json:"crop,omitempty"`
	Policy PolicyConfig `yaml:"policy" json:"policy"`
	Sink   SinkConfig   `yaml:"sink,omitempty" json:"sink,omitempty"`
}

// CropConfig is a region in percent of the frame size
type CropConfig struct {
	XPercent      float64 `yaml:"x_percent" json:"x_percent"`
	YPercent      float64 `yaml:"y_percent" json:"y_percent"`
	WidthPercent  float64 `yaml:"width_percent" json:"width_percent"`
	HeightPercent float64 `yaml:"height_percent" json:"height_percent"`
}

// PolicyConfig is a tagged union over the policy kinds
type PolicyConfig struct {
	Kind     PolicyKind     `yaml:"kind" json:"kind"`
	N        uint64         `yaml:"n,omitempty" json:"n,omitempty"`
	Interval time.Duration  `yaml:"interval,omitempty" json:"interval,omitempty"`
	Policies []PolicyConfig `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// SinkConfig selects where a trigger's ordered outputs go
type SinkConfig struct {
	Kind  string `yaml:"kind,omitempty" json:"kind,omitempty"` // log (default), jsonl, msgpack, images, content, webhook, postgres, discard
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
	Table string `yaml:"table,omitempty" json:"table,omitempty"`

	// content sinks store frames as derived content of ContentID
	ContentID  string `yaml:"content_id,omitempty" json:"content_id,omitempty"`
	Derivation string `yaml:"derivation,omitempty" json:"derivation,omitempty"`
}
