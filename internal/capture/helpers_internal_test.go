package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"

	"codeberg.org/mutker/hdrvideo/internal/camera"
	"github.com/stretchr/testify/require"
)

func encodeGray(t *testing.T, width, height int, level uint8) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = level
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	return buf.Bytes()
}

type nopTarget struct {
	name string
}

func (t *nopTarget) Name() string        { return t.name }
func (t *nopTarget) Accept(camera.Frame) {}
