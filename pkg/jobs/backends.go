package jobs

import (
	"github.com/tendant/simple-frame-pipeline/internal/backends"
	"github.com/tendant/simple-frame-pipeline/internal/workflows"
)

// DefaultBackends returns the runners and sources of the current build for
// the analysis workflow.
func DefaultBackends() workflows.Backends {
	return workflows.Backends{
		Runners:     backends.Runners(),
		SourceKinds: backends.SourceKinds(),
		OpenSource:  backends.OpenSource,
	}
}
