package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
)

// Pipeline is the local placeholder model. It performs no detection: the
// overlay is the input image re-encoded as PNG and the metadata is a fixed
// record scaled to the image size.
type Pipeline struct {
	device   string
	saliency bool
}

// NewPipeline returns a placeholder pipeline reporting the given device. When
// saliency is true it also emits a grayscale secondary image.
func NewPipeline(device string, saliency bool) *Pipeline {
	if device == "" {
		device = "cpu"
	}
	return &Pipeline{device: device, saliency: saliency}
}

// Device returns the placeholder device name.
func (p *Pipeline) Device() string { return p.device }

// Run decodes image, returns it unchanged as the overlay and attaches the
// fabricated detection record.
func (p *Pipeline) Run(ctx context.Context, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	rgb := image.NewRGBA(src.Bounds())
	draw.Draw(rgb, rgb.Bounds(), src, src.Bounds().Min, draw.Src)

	overlay, err := encodePNG(rgb)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Overlay:  overlay,
		Metadata: p.results(rgb.Bounds().Dx(), rgb.Bounds().Dy()),
	}
	if p.saliency {
		gray := image.NewGray(rgb.Bounds())
		draw.Draw(gray, gray.Bounds(), rgb, rgb.Bounds().Min, draw.Src)
		if result.Secondary, err = encodePNG(gray); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Pipeline) results(w, h int) map[string]any {
	fw, fh := float64(w), float64(h)
	return map[string]any{
		"detections": []any{
			map[string]any{
				"label": "coral_bleached",
				"conf":  0.87,
				"bbox":  []any{int(0.1 * fw), int(0.2 * fh), int(0.6 * fw), int(0.8 * fh)},
			},
		},
		"segmentation": map[string]any{
			"exists":       true,
			"coverage_pct": 42.3,
		},
		"meta": map[string]any{
			"device": p.device,
		},
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
