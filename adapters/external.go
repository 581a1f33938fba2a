package adapters

import (
	"context"
	"fmt"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"
)

var toolDisplayNames = map[capability.Pipeline]string{
	capability.PipelineImage:   "Sharp",
	capability.PipelineMedia:   "FFmpeg",
	capability.PipelineOffice:  "LibreOffice",
	capability.PipelineMarkup:  "Pandoc",
	capability.PipelineEbook:   "Calibre",
	capability.PipelineArchive: "Archive tooling",
}

// ExternalToolAdapter stands in for a pipeline that needs a binary this
// environment does not provide. It claims the pipeline and always fails with
// TOOLING_UNAVAILABLE.
type ExternalToolAdapter struct {
	pipeline capability.Pipeline
}

func NewExternalToolAdapter(pipeline capability.Pipeline) *ExternalToolAdapter {
	return &ExternalToolAdapter{pipeline: pipeline}
}

func (a *ExternalToolAdapter) Name() string { return string(a.pipeline) + "-adapter" }

func (a *ExternalToolAdapter) Supports(c capability.Capability) bool {
	return c.Pipeline == a.pipeline
}

func (a *ExternalToolAdapter) Convert(_ context.Context, _ Request) Result {
	display, ok := toolDisplayNames[a.pipeline]
	if !ok {
		display = string(a.pipeline)
	}
	return failed(a.Name(), models.ErrToolingUnavailable,
		fmt.Sprintf("%s adapter is planned but not configured in this environment.", display))
}
