package imagecodec_test

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-nav/internal/imagecodec"
	"github.com/e7canasta/orion-nav/internal/types"
)

func TestValidateRejectsUnsupportedEncoding(t *testing.T) {
	err := imagecodec.Validate(types.Image{Width: 1, Height: 1, Encoding: "mono8", Data: []byte{0}})
	assert.ErrorIs(t, err, imagecodec.ErrUnsupportedEncoding)
}

func TestValidateRejectsSizeMismatch(t *testing.T) {
	err := imagecodec.Validate(types.Image{Width: 2, Height: 2, Encoding: types.EncodingRGB8, Data: make([]byte, 5)})
	assert.ErrorIs(t, err, imagecodec.ErrPayloadSize)

	err = imagecodec.Validate(types.Image{Width: 0, Height: 2, Encoding: types.EncodingRGB8})
	assert.ErrorIs(t, err, imagecodec.ErrPayloadSize)
}

// A single red pixel must decode as red regardless of the source channel order.
func TestEncodePNGChannelOrder(t *testing.T) {
	cases := []struct {
		encoding string
		data     []byte
	}{
		{types.EncodingRGB8, []byte{255, 0, 0}},
		{types.EncodingBGR8, []byte{0, 0, 255}},
	}

	for _, tc := range cases {
		t.Run(tc.encoding, func(t *testing.T) {
			out, err := imagecodec.EncodePNG(types.Image{Width: 1, Height: 1, Encoding: tc.encoding, Data: tc.data})
			require.NoError(t, err)

			decoded, err := png.Decode(bytes.NewReader(out))
			require.NoError(t, err)

			r, g, b, a := decoded.At(0, 0).RGBA()
			assert.Equal(t, uint32(0xffff), r)
			assert.Equal(t, uint32(0), g)
			assert.Equal(t, uint32(0), b)
			assert.Equal(t, uint32(0xffff), a)
		})
	}
}

func TestEncodePNGDimensions(t *testing.T) {
	out, err := imagecodec.EncodePNG(types.Image{Width: 4, Height: 3, Encoding: types.EncodingBGR8, Data: make([]byte, 4*3*3)})
	require.NoError(t, err)

	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Width)
	assert.Equal(t, 3, cfg.Height)
}
