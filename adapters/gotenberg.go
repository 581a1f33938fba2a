package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"
)

const gotenbergName = "gotenberg-adapter"

// PDFConverter turns an office document into PDF. services.GotenbergService
// implements it.
type PDFConverter interface {
	ConvertToPDFA(ctx context.Context, filename string, data []byte) ([]byte, error)
}

// GotenbergAdapter runs office-suite conversions to PDF through Gotenberg.
type GotenbergAdapter struct {
	storage Storage
	pdf     PDFConverter
}

func NewGotenbergAdapter(storage Storage, pdf PDFConverter) *GotenbergAdapter {
	return &GotenbergAdapter{storage: storage, pdf: pdf}
}

func (a *GotenbergAdapter) Name() string { return gotenbergName }

func (a *GotenbergAdapter) Supports(c capability.Capability) bool {
	return c.Pipeline == capability.PipelineOffice && c.Target == "pdf"
}

func (a *GotenbergAdapter) Convert(ctx context.Context, req Request) Result {
	data, err := a.storage.ReadFile(ctx, req.InputKey)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return failed(gotenbergName, models.ErrInputMissing, "Input file not found.")
		}
		return failed(gotenbergName, models.ErrConversionFailed, fmt.Sprintf("failed to read input: %v", err))
	}

	out, err := a.pdf.ConvertToPDFA(ctx, req.JobID+"."+req.SourceFormat, data)
	if err != nil {
		return failed(gotenbergName, models.ErrConversionFailed, fmt.Sprintf("office conversion failed: %v", err))
	}

	if err := a.storage.WriteFile(ctx, req.OutputKey, out); err != nil {
		return failed(gotenbergName, models.ErrConversionFailed, fmt.Sprintf("failed to write output: %v", err))
	}

	return succeeded(gotenbergName, len(out))
}
