package renderer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Product names accepted by the renderer.
const (
	ProductTile    = "tile"
	ProductPreview = "preview"
)

var productSizes = map[string]int{
	ProductTile:    256,
	ProductPreview: 64,
}

// ProductRenderer rasterizes dataset fields into PNG products. It is a pure
// function of the dataset and product spec: same inputs, same bytes.
type ProductRenderer struct{}

// NewProductRenderer builds a ProductRenderer.
func NewProductRenderer() *ProductRenderer { return &ProductRenderer{} }

// Render implements nwp.Renderer.
func (r *ProductRenderer) Render(ctx context.Context, ds nwp.Dataset, spec nwp.ProductSpec) ([]byte, error) {
	size, ok := productSizes[spec.Product]
	if !ok {
		return nil, fmt.Errorf("unknown product %q", spec.Product)
	}
	src, ok := ds.(*fsDataset)
	if !ok {
		return nil, fmt.Errorf("dataset %T is not renderable", ds)
	}

	names := src.PartNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("dataset has no fields")
	}
	field, err := src.ReadPart(names[0])
	if err != nil {
		return nil, fmt.Errorf("load field: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: sampleField(field, x, y, size)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode product: %w", err)
	}
	return buf.Bytes(), nil
}

// sampleField maps a pixel onto the raw field bytes. This stands in for the
// real regridding and colormap pipeline while keeping output deterministic.
func sampleField(field []byte, x, y, size int) uint8 {
	if len(field) == 0 {
		return 0
	}
	idx := (y*size + x) * len(field) / (size * size)
	return field[idx%len(field)]
}
