// Package adapters executes conversions. A Dispatcher resolves a format pair
// through the capability registry and hands it to the first adapter in an
// ordered list that can run that capability in this process.
package adapters

import (
	"context"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"
)

// Storage is the file store adapters read inputs from and write outputs to.
// Deleting a missing key is not an error.
type Storage interface {
	ReadFile(ctx context.Context, key string) ([]byte, error)
	WriteFile(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Request struct {
	JobID        string
	InputKey     string
	OutputKey    string
	SourceFormat string
	TargetFormat string

	// Capability is filled in by the Dispatcher before Convert is called.
	Capability capability.Capability
}

type Result struct {
	OK        bool
	Code      models.ErrorCode
	Message   string
	SizeBytes int64
	Adapter   string
}

// Err returns the failure as an error, or nil for a successful result.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &models.ConversionError{Code: r.Code, Message: r.Message}
}

type Adapter interface {
	Name() string
	// Supports reports whether the adapter can execute c here. The
	// capability itself always comes from the registry.
	Supports(c capability.Capability) bool
	// Convert must overwrite any existing object at req.OutputKey.
	Convert(ctx context.Context, req Request) Result
}

func succeeded(adapter string, size int) Result {
	return Result{OK: true, SizeBytes: int64(size), Adapter: adapter}
}

func failed(adapter string, code models.ErrorCode, msg string) Result {
	return Result{Code: code, Message: msg, Adapter: adapter}
}
