package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPipeline_IdentityOverlay(t *testing.T) {
	p := NewPipeline("", false)
	in := testPNG(t, 20, 10)

	res, err := p.Run(context.Background(), in)
	require.NoError(t, err)

	want, err := png.Decode(bytes.NewReader(in))
	require.NoError(t, err)
	got, err := png.Decode(bytes.NewReader(res.Overlay))
	require.NoError(t, err)
	require.Equal(t, want.Bounds(), got.Bounds())
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			wr, wg, wb, _ := want.At(x, y).RGBA()
			gr, gg, gb, _ := got.At(x, y).RGBA()
			require.Equal(t, [3]uint32{wr, wg, wb}, [3]uint32{gr, gg, gb})
		}
	}
	assert.Nil(t, res.Secondary)
}

func TestPipeline_MetadataScaledToImage(t *testing.T) {
	p := NewPipeline("cuda", false)

	res, err := p.Run(context.Background(), testPNG(t, 200, 100))
	require.NoError(t, err)

	dets, ok := res.Metadata["detections"].([]any)
	require.True(t, ok)
	require.Len(t, dets, 1)
	det := dets[0].(map[string]any)
	assert.Equal(t, "coral_bleached", det["label"])
	assert.Equal(t, 0.87, det["conf"])
	assert.Equal(t, []any{20, 20, 120, 80}, det["bbox"])

	seg := res.Metadata["segmentation"].(map[string]any)
	assert.Equal(t, true, seg["exists"])
	assert.Equal(t, 42.3, seg["coverage_pct"])

	meta := res.Metadata["meta"].(map[string]any)
	assert.Equal(t, "cuda", meta["device"])
}

func TestPipeline_AcceptsJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	res, err := NewPipeline("cpu", false).Run(context.Background(), buf.Bytes())
	require.NoError(t, err)

	_, err = png.Decode(bytes.NewReader(res.Overlay))
	require.NoError(t, err)
}

func TestPipeline_SaliencyProducesGrayscaleSecondary(t *testing.T) {
	res, err := NewPipeline("cpu", true).Run(context.Background(), testPNG(t, 4, 4))
	require.NoError(t, err)
	require.NotNil(t, res.Secondary)

	sec, err := png.Decode(bytes.NewReader(res.Secondary))
	require.NoError(t, err)
	assert.Equal(t, color.GrayModel, sec.ColorModel())
}

func TestPipeline_RejectsGarbage(t *testing.T) {
	_, err := NewPipeline("cpu", false).Run(context.Background(), []byte("not an image"))
	require.Error(t, err)
}

func TestPipeline_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPipeline("cpu", false).Run(ctx, testPNG(t, 2, 2))
	require.ErrorIs(t, err, context.Canceled)
}
