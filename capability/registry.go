// Package capability holds the static mapping from (source, target) format
// pairs to a conversion category and pipeline. Adapters consult it; they never
// decide support on their own.
package capability

import (
	"slices"
	"strings"
	"sync"
)

type Pipeline string

const (
	PipelineImage   Pipeline = "sharp-equivalent"
	PipelineMedia   Pipeline = "ffmpeg-equivalent"
	PipelineOffice  Pipeline = "office-suite-equivalent"
	PipelineMarkup  Pipeline = "markup-converter"
	PipelineEbook   Pipeline = "ebook-tool"
	PipelineArchive Pipeline = "archive-tool"
)

// Pipelines lists every pipeline in a stable order.
var Pipelines = []Pipeline{
	PipelineImage,
	PipelineMedia,
	PipelineOffice,
	PipelineMarkup,
	PipelineEbook,
	PipelineArchive,
}

var (
	rasterOutputs = []string{"png", "jpg", "webp", "avif", "gif", "tiff"}
	markupFormats = []string{"md", "html", "txt"}
)

type Capability struct {
	Source   string
	Target   string
	Category Category
	Pipeline Pipeline
}

type pair struct{ source, target string }

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	byPair map[pair]Capability
	all    []Capability
}

func NewRegistry(rows []FormatRow) *Registry {
	r := &Registry{byPair: make(map[pair]Capability)}
	for _, row := range rows {
		for _, target := range row.Outputs {
			key := pair{Normalize(row.Input), Normalize(target)}
			// First declaration of a pair wins, formats such as txt and pdf
			// appear under more than one category.
			if _, ok := r.byPair[key]; ok {
				continue
			}
			c := Capability{
				Source:   key.source,
				Target:   key.target,
				Category: row.Category,
				Pipeline: resolvePipeline(row.Category, key.source, key.target),
			}
			r.byPair[key] = c
			r.all = append(r.all, c)
		}
	}
	return r
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(FormatMatrix())
})

// Default returns the registry built from FormatMatrix.
func Default() *Registry { return defaultRegistry() }

// Find looks up a capability. Both formats are matched case-insensitively.
func (r *Registry) Find(source, target string) (Capability, bool) {
	c, ok := r.byPair[pair{Normalize(source), Normalize(target)}]
	return c, ok
}

func (r *Registry) Capabilities() []Capability {
	return slices.Clone(r.all)
}

// OutputsFor returns the targets reachable from input, in declaration order.
func (r *Registry) OutputsFor(input string) []string {
	in := Normalize(input)
	var out []string
	for _, c := range r.all {
		if c.Source == in {
			out = append(out, c.Target)
		}
	}
	return out
}

func resolvePipeline(category Category, source, target string) Pipeline {
	switch category {
	case CategoryImage:
		if slices.Contains(rasterOutputs, target) {
			return PipelineImage
		}
		return PipelineOffice
	case CategoryAudio, CategoryVideo:
		return PipelineMedia
	case CategoryDocument:
		if slices.Contains(markupFormats, source) && slices.Contains(markupFormats, target) {
			return PipelineMarkup
		}
		return PipelineOffice
	case CategorySpreadsheet, CategoryPresentation:
		return PipelineOffice
	case CategoryEbook:
		return PipelineEbook
	default:
		return PipelineArchive
	}
}

// Normalize lowercases a format name and folds common aliases.
func Normalize(format string) string {
	f := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(format, ".")))
	switch f {
	case "jpeg":
		return "jpg"
	case "tif":
		return "tiff"
	case "heif":
		return "heic"
	}
	return f
}
