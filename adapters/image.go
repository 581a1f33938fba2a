package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	jpegQuality = 92
	imageName   = "image-adapter"
)

type imageEncoder func(w io.Writer, img image.Image) error

var imageEncoders = map[string]imageEncoder{
	"png": func(w io.Writer, img image.Image) error {
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		return enc.Encode(w, img)
	},
	"jpg": func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	},
	"gif": func(w io.Writer, img image.Image) error {
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	},
	"tiff": func(w io.Writer, img image.Image) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	},
}

// Formats image.Decode understands once the codecs above are linked in.
var imageDecoders = map[string]bool{
	"png": true, "jpg": true, "gif": true, "bmp": true, "tiff": true, "webp": true,
}

// ImageAdapter re-encodes raster images in process.
type ImageAdapter struct {
	storage Storage
}

func NewImageAdapter(storage Storage) *ImageAdapter {
	return &ImageAdapter{storage: storage}
}

func (a *ImageAdapter) Name() string { return imageName }

func (a *ImageAdapter) Supports(c capability.Capability) bool {
	if c.Pipeline != capability.PipelineImage {
		return false
	}
	_, canEncode := imageEncoders[c.Target]
	return imageDecoders[c.Source] && canEncode
}

func (a *ImageAdapter) Convert(ctx context.Context, req Request) Result {
	encode, ok := imageEncoders[req.TargetFormat]
	if !ok {
		return failed(imageName, models.ErrToolingUnavailable,
			fmt.Sprintf("Image output format '%s' is not supported by the current engine.", req.TargetFormat))
	}

	data, err := a.storage.ReadFile(ctx, req.InputKey)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return failed(imageName, models.ErrInputMissing, "Input file not found.")
		}
		return failed(imageName, models.ErrConversionFailed, fmt.Sprintf("failed to read input: %v", err))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return failed(imageName, models.ErrConversionFailed, fmt.Sprintf("failed to decode %s input: %v", req.SourceFormat, err))
	}

	var buf bytes.Buffer
	if err := encode(&buf, img); err != nil {
		return failed(imageName, models.ErrConversionFailed, fmt.Sprintf("failed to encode %s output: %v", req.TargetFormat, err))
	}

	if err := ctx.Err(); err != nil {
		return failed(imageName, models.ErrConversionFailed, fmt.Sprintf("conversion interrupted: %v", err))
	}

	if err := a.storage.WriteFile(ctx, req.OutputKey, buf.Bytes()); err != nil {
		return failed(imageName, models.ErrConversionFailed, fmt.Sprintf("failed to write output: %v", err))
	}

	return succeeded(imageName, buf.Len())
}
