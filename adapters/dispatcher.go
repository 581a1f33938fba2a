package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"
)

type Dispatcher struct {
	registry *capability.Registry
	adapters []Adapter
}

func NewDispatcher(registry *capability.Registry, adapters ...Adapter) *Dispatcher {
	return &Dispatcher{registry: registry, adapters: adapters}
}

// DefaultAdapters returns the working adapters followed by one
// ExternalToolAdapter per pipeline, so every registered pair resolves to some
// adapter. pdf may be nil when no Gotenberg instance is configured.
func DefaultAdapters(storage Storage, pdf PDFConverter) []Adapter {
	list := []Adapter{NewImageAdapter(storage)}
	if pdf != nil {
		list = append(list, NewGotenbergAdapter(storage, pdf))
	}
	for _, p := range capability.Pipelines {
		list = append(list, NewExternalToolAdapter(p))
	}
	return list
}

// Resolve returns the capability for a pair and the adapter that would run
// it. The error carries UNSUPPORTED_PAIR or TOOLING_UNAVAILABLE.
func (d *Dispatcher) Resolve(source, target string) (capability.Capability, Adapter, error) {
	c, ok := d.registry.Find(source, target)
	if !ok {
		return capability.Capability{}, nil, &models.ConversionError{
			Code:    models.ErrUnsupportedPair,
			Message: fmt.Sprintf("Unsupported conversion pair %s to %s.", capability.Normalize(source), capability.Normalize(target)),
		}
	}

	for _, a := range d.adapters {
		if a.Supports(c) {
			return c, a, nil
		}
	}

	return c, nil, &models.ConversionError{
		Code:    models.ErrToolingUnavailable,
		Message: fmt.Sprintf("No %s adapter is available for %s to %s.", c.Pipeline, c.Source, c.Target),
	}
}

// Execute runs one conversion attempt. Unsupported pairs are rejected before
// storage is touched.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Result {
	c, adapter, err := d.Resolve(req.SourceFormat, req.TargetFormat)
	if err != nil {
		var ce *models.ConversionError
		errors.As(err, &ce)
		return failed("", ce.Code, ce.Message)
	}

	req.SourceFormat = c.Source
	req.TargetFormat = c.Target
	req.Capability = c
	return adapter.Convert(ctx, req)
}
