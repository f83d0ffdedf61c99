package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-frame-pipeline/internal/runner"
	"github.com/tendant/simple-frame-pipeline/internal/runner/transform"
	"github.com/tendant/simple-frame-pipeline/internal/source"
	"github.com/tendant/simple-frame-pipeline/internal/workflows"
	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func memoryBackends() workflows.Backends {
	reg := runner.NewRegistry("native")
	reg.Register(pipeline.RunnerPixelTransform, transform.Factory)
	return workflows.Backends{
		Runners:     reg,
		SourceKinds: []pipeline.SourceKind{pipeline.SourceMemory},
		OpenSource: func(context.Context, pipeline.SourceConfig, zerolog.Logger) (source.Source, error) {
			return source.NewMemorySource(source.SyntheticFrames(3, 8, 8, 100*time.Millisecond, nil)...), nil
		},
	}
}

func jsonlConfig(path string) string {
	return "source: { kind: memory }\n" +
		"triggers:\n" +
		"  a:\n" +
		"    runner_kind: pixel_transform\n" +
		"    sink: { kind: jsonl, path: " + path + " }\n"
}

func analyzeWith(t *testing.T, cfg Config, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeSummary, error) {
	t.Helper()
	limits, err := cfg.requestLimits()
	require.NoError(t, err)
	wf := workflows.NewAnalyzeWorkflow(memoryBackends(), limits)
	return wf.Execute(&workflows.WorkflowContext{Ctx: context.Background(), Request: req, RunID: "run"})
}

func TestWorkerRejectsFileSinksWithoutOutputDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "stolen.jsonl")

	_, err := analyzeWith(t, Config{}, pipeline.AnalyzeRequest{Config: jsonlConfig(target)})
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "triggers.a.sink.path", cfgErr.Field)
	assert.NoFileExists(t, target)
}

func TestWorkerKeepsFileSinksBelowOutputDir(t *testing.T) {
	outputs := t.TempDir()

	summary, err := analyzeWith(t, Config{OutputDir: outputs}, pipeline.AnalyzeRequest{Config: jsonlConfig("/run.jsonl")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), summary.Frames)

	data, err := os.ReadFile(filepath.Join(outputs, "run.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	_, err = analyzeWith(t, Config{OutputDir: outputs}, pipeline.AnalyzeRequest{Config: jsonlConfig("../escape.jsonl")})
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(outputs), "escape.jsonl"))
}

func TestWorkerRefusesLocalConfigPathWithoutStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jsonlConfig(filepath.Join(t.TempDir(), "x.jsonl"))), 0o644))

	_, err := analyzeWith(t, Config{}, pipeline.AnalyzeRequest{ConfigPath: path})
	assert.ErrorIs(t, err, workflows.ErrInvalidRequest)
}
