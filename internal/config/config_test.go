package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-frame-pipeline/internal/policy"
	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/runner/transform"
	"github.com/tendant/simple-frame-pipeline/internal/sink"
	"github.com/tendant/simple-frame-pipeline/internal/storage"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

const sample = `
source:
  kind: ffmpeg
  input: match.mp4
  sample_rate: 2
  width: 1280
  height: 720
max_in_flight: 16
runners:
  tesseract:
    kind: ocr
    concurrency: 1
    config: { language: eng }
triggers:
  scoreboard:
    runner: tesseract
    crop: { x_percent: 40, y_percent: 0, width_percent: 20, height_percent: 10 }
    policy: { kind: every_nth_frame, n: 30 }
    sink: { kind: discard }
  clock:
    runner: tesseract
    policy: { kind: min_interval, interval: 1s }
    sink: { kind: discard }
  thumbs:
    runner_kind: pixel_transform
    runner_config: { ops: [ { op: fit, width: 320, height: 180 } ] }
    policy:
      kind: all_of
      policies:
        - { kind: every_nth_frame, n: 2 }
        - { kind: min_interval, interval: 500ms }
    sink: { kind: discard }
`

type fakeOCR struct {
	Language string `yaml:"language"`
	closed   bool
}

func (f *fakeOCR) Run(context.Context, *pipeline.Frame) (pipeline.Payload, error) {
	return pipeline.TextPayload{Text: f.Language}, nil
}

func (f *fakeOCR) Close() error {
	f.closed = true
	return nil
}

func registry() (*runner.Registry, *[]*fakeOCR) {
	var built []*fakeOCR
	reg := runner.NewRegistry("native")
	reg.Register(pipeline.RunnerPixelTransform, transform.Factory)
	reg.Register(pipeline.RunnerOCR, func(node *yaml.Node) (runner.Runner, error) {
		r := &fakeOCR{}
		if err := runner.DecodeNode(node, r); err != nil {
			return nil, err
		}
		built = append(built, r)
		return r, nil
	})
	return reg, &built
}

var kinds = []pipeline.SourceKind{pipeline.SourceMemory, pipeline.SourceFFmpeg}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, pipeline.SourceFFmpeg, cfg.Source.Kind)
	assert.Equal(t, 2.0, cfg.Source.SampleRate)
	assert.Equal(t, 16, cfg.MaxInFlight)
	require.Len(t, cfg.Triggers, 3)

	thumbs := cfg.Triggers["thumbs"]
	assert.Equal(t, pipeline.PolicyAllOf, thumbs.Policy.Kind)
	require.Len(t, thumbs.Policy.Policies, 2)
	assert.Equal(t, 500*time.Millisecond, thumbs.Policy.Policies[1].Interval)
	assert.Equal(t, 40.0, cfg.Triggers["scoreboard"].Crop.XPercent)
	require.NotNil(t, cfg.Runners["tesseract"].Concurrency)
	assert.Equal(t, 1, *cfg.Runners["tesseract"].Concurrency)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("triggers: {}\nmax_inflight: 3\n"))
	var cfgErr *pipeline.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidateDefaults(t *testing.T) {
	reg, _ := registry()
	cfg := &pipeline.Config{
		Source: pipeline.SourceConfig{Input: "a.mp4"},
		Triggers: map[string]pipeline.TriggerConfig{
			"t": {RunnerKind: pipeline.RunnerPixelTransform},
		},
	}
	require.NoError(t, Validate(cfg, reg, kinds))
	assert.Equal(t, 8, cfg.MaxInFlight)
	assert.Equal(t, pipeline.SourceFFmpeg, cfg.Source.Kind)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	reg := runner.NewRegistry("browser")
	reg.Register(pipeline.RunnerPixelTransform, transform.Factory)

	cfg := &pipeline.Config{
		Source:      pipeline.SourceConfig{Kind: pipeline.SourceGoCV},
		MaxInFlight: -1,
		Runners: map[string]pipeline.RunnerConfig{
			"engine": {Kind: pipeline.RunnerOCR},
		},
		Triggers: map[string]pipeline.TriggerConfig{
			"both":    {Runner: "engine", RunnerKind: pipeline.RunnerPixelTransform},
			"neither": {},
			"dangling": {
				Runner: "missing",
			},
			"policy": {
				RunnerKind: pipeline.RunnerPixelTransform,
				Policy:     pipeline.PolicyConfig{Kind: pipeline.PolicyEveryNthFrame},
			},
			"crop": {
				RunnerKind: pipeline.RunnerPixelTransform,
				Crop:       &pipeline.CropConfig{XPercent: 90, WidthPercent: 20, HeightPercent: 10},
			},
			"sink": {
				RunnerKind: pipeline.RunnerPixelTransform,
				Sink:       pipeline.SinkConfig{Kind: "kafka"},
			},
			"empty_any": {
				RunnerKind: pipeline.RunnerPixelTransform,
				Policy:     pipeline.PolicyConfig{Kind: pipeline.PolicyAnyOf},
			},
		},
	}

	err := Validate(cfg, reg, []pipeline.SourceKind{pipeline.SourceMemory})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	fields := map[string]bool{}
	for _, e := range merr.Errors {
		var cfgErr *pipeline.ConfigError
		require.ErrorAs(t, e, &cfgErr)
		fields[cfgErr.Field] = true
	}

	for _, f := range []string{
		"max_in_flight",
		"source.kind",
		"runners.engine.kind",
		"triggers.both",
		"triggers.neither",
		"triggers.dangling.runner",
		"triggers.policy.policy.n",
		"triggers.crop.crop",
		"triggers.sink.sink.kind",
		"triggers.empty_any.policy.policies",
	} {
		assert.True(t, fields[f], "missing error for %s in %v", f, err)
	}
	assert.Contains(t, err.Error(), "not available in the browser environment")
}

func TestValidateRequiresTriggers(t *testing.T) {
	reg, _ := registry()
	err := Validate(&pipeline.Config{}, reg, nil)
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "triggers", cfgErr.Field)
}

func TestBuildSharesNamedRunners(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	reg, built := registry()

	mem := &sink.Memory{}
	p, err := Build(context.Background(), cfg, BuildOptions{
		Runners:     reg,
		SourceKinds: kinds,
		Logger:      zerolog.Nop(),
		Consumers:   map[string]sink.Sink{"thumbs": mem},
	})
	require.NoError(t, err)

	require.Len(t, p.Triggers, 3)
	ids := []string{p.Triggers[0].ID, p.Triggers[1].ID, p.Triggers[2].ID}
	assert.Equal(t, []string{"clock", "scoreboard", "thumbs"}, ids)

	// one OCR engine serves both text triggers
	require.Len(t, *built, 1)
	assert.Equal(t, "eng", (*built)[0].Language)
	assert.Same(t, p.Triggers[0].Runner, p.Triggers[1].Runner)
	assert.Equal(t, 1, p.Triggers[0].Runner.Concurrency)

	thumbs := p.Triggers[2]
	assert.Equal(t, "thumbs/pixel_transform", thumbs.Runner.Name)
	assert.Equal(t, 0, thumbs.Runner.Concurrency)
	assert.Same(t, mem, thumbs.Consumer)
	assert.NotNil(t, p.Triggers[1].Crop)

	// all_of(every 2nd, 500ms)
	assert.True(t, policy.Select(thumbs.Policy, 0, 0))
	assert.False(t, policy.Select(thumbs.Policy, 1, 600*time.Millisecond))
	assert.False(t, policy.Select(thumbs.Policy, 2, 400*time.Millisecond))
	assert.True(t, policy.Select(thumbs.Policy, 4, 600*time.Millisecond))

	require.NoError(t, p.Close())
	assert.True(t, (*built)[0].closed)
}

func TestBuildFailsOnBadRunnerConfig(t *testing.T) {
	tc := pipeline.TriggerConfig{RunnerKind: pipeline.RunnerPixelTransform, Sink: pipeline.SinkConfig{Kind: sink.KindDiscard}}
	require.NoError(t, yaml.Unmarshal([]byte("ops: [ { op: melt } ]"), &tc.RunnerConfig))
	cfg := &pipeline.Config{Triggers: map[string]pipeline.TriggerConfig{"a": tc}}
	reg, _ := registry()

	_, err := Build(context.Background(), cfg, BuildOptions{Runners: reg})
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "triggers.a.config", cfgErr.Field)
}

func TestLoadFromStorage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(sample), 0o644))

	fs, err := storage.NewFilesystemStorage(dir)
	require.NoError(t, err)
	cfg, err := LoadFrom(context.Background(), fs, "pipeline.yaml")
	require.NoError(t, err)
	assert.Len(t, cfg.Triggers, 3)

	cfg, err = Load(filepath.Join(dir, "pipeline.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "match.mp4", cfg.Source.Input)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PIPELINE_INPUT=from-file.mp4\nPIPELINE_MAX_IN_FLIGHT=4\n"), 0o644))

	t.Setenv("PIPELINE_INPUT", "")
	os.Unsetenv("PIPELINE_INPUT")
	t.Setenv("PIPELINE_MAX_IN_FLIGHT", "")
	os.Unsetenv("PIPELINE_MAX_IN_FLIGHT")
	t.Setenv("PIPELINE_CONFIG", "pipeline.yaml")

	env, err := LoadEnv(envFile, filepath.Join(dir, "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, "from-file.mp4", env.Input)
	assert.Equal(t, 4, env.MaxInFlight)
	assert.Equal(t, "pipeline.yaml", env.ConfigPath)

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	env.Apply(cfg)
	assert.Equal(t, "from-file.mp4", cfg.Source.Input)
	assert.Equal(t, 4, cfg.MaxInFlight)

	t.Setenv("PIPELINE_MAX_IN_FLIGHT", "many")
	_, err = LoadEnv()
	assert.Error(t, err)
}

func restrictFields(t *testing.T, err error) map[string]bool {
	t.Helper()
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	fields := map[string]bool{}
	for _, e := range merr.Errors {
		var cfgErr *pipeline.ConfigError
		require.ErrorAs(t, e, &cfgErr)
		fields[cfgErr.Field] = true
	}
	return fields
}

func fileSinkConfig() *pipeline.Config {
	return &pipeline.Config{
		Source: pipeline.SourceConfig{Kind: pipeline.SourceFFmpeg, FFmpegPath: "/tmp/evil.sh"},
		Triggers: map[string]pipeline.TriggerConfig{
			"jsonl":   {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindJSONL, Path: "/home/user/.bashrc"}},
			"msgpack": {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindMsgpack, Path: "out.msgpack"}},
			"images":  {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindImages, Dir: "../frames"}},
			"log":     {RunnerKind: pipeline.RunnerOCR},
			"content": {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindContent, ContentID: "c1"}},
		},
	}
}

func TestRestrictWithoutOutputDir(t *testing.T) {
	err := Restrict(fileSinkConfig(), nil)

	fields := restrictFields(t, err)
	assert.Equal(t, map[string]bool{
		"source.ffmpeg_path":         true,
		"triggers.jsonl.sink.path":   true,
		"triggers.msgpack.sink.path": true,
		"triggers.images.sink.dir":   true,
	}, fields)
}

func TestRestrictResolvesBelowOutputDir(t *testing.T) {
	base := t.TempDir()
	outputs, err := storage.NewFilesystemStorage(base)
	require.NoError(t, err)

	cfg := fileSinkConfig()
	cfg.Source.FFmpegPath = ""
	err = Restrict(cfg, outputs)

	// only the images dir escapes the output directory
	fields := restrictFields(t, err)
	assert.Equal(t, map[string]bool{"triggers.images.sink.dir": true}, fields)
	assert.Equal(t, filepath.Join(base, "home", "user", ".bashrc"), cfg.Triggers["jsonl"].Sink.Path)
	assert.Equal(t, filepath.Join(base, "out.msgpack"), cfg.Triggers["msgpack"].Sink.Path)
	assert.Equal(t, "c1", cfg.Triggers["content"].Sink.ContentID)

	stdout := &pipeline.Config{Triggers: map[string]pipeline.TriggerConfig{
		"a": {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindJSONL, Path: "-"}},
	}}
	assert.Error(t, Restrict(stdout, outputs))
}

func TestRestrictAllowsStorageBackedSinks(t *testing.T) {
	cfg := &pipeline.Config{
		Source: pipeline.SourceConfig{Kind: pipeline.SourceFFmpeg, Input: "a.mp4"},
		Triggers: map[string]pipeline.TriggerConfig{
			"log":      {RunnerKind: pipeline.RunnerOCR},
			"discard":  {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindDiscard}},
			"postgres": {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindPostgres}},
			"webhook":  {RunnerKind: pipeline.RunnerOCR, Sink: pipeline.SinkConfig{Kind: sink.KindWebhook, URL: "http://hooks.local/x"}},
		},
	}
	assert.NoError(t, Restrict(cfg, nil))
}
