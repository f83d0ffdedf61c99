package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

func TestDigest(t *testing.T) {
	inline := pipeline.AnalyzeRequest{Input: "a.mp4", Config: "triggers: {}"}
	path := pipeline.AnalyzeRequest{Input: "a.mp4", ConfigPath: "triggers: {}"}

	assert.Len(t, Digest(inline), 16)
	assert.Equal(t, Digest(inline), Digest(pipeline.AnalyzeRequest{Input: "b.mp4", Config: "triggers: {}"}))
	assert.NotEqual(t, Digest(inline), Digest(path))
	assert.NotEqual(t, Digest(inline), Digest(pipeline.AnalyzeRequest{Config: "triggers: {a: {}}"}))
}
