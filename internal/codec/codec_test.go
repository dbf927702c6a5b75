package codec

import (
	"encoding/binary"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	// a smooth gradient keeps JPEG error small; alpha varies independently
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255})
		}
	}
	for i := 0; i < 10; i++ {
		x, y := rng.Intn(w), rng.Intn(h)
		c := img.NRGBAAt(x, y)
		c.A = uint8(rng.Intn(256))
		img.SetNRGBA(x, y, c)
	}
	img.Pix[3] = 0
	return img
}

func TestImageRoundTripExact(t *testing.T) {
	img := testImage(17, 9, 1)
	for _, f := range []Format{FormatRaw, FormatZstd} {
		data, err := EncodeImage(img, Options{Format: f})
		require.NoError(t, err, f.String())
		assert.Equal(t, byte(f), data[0])
		assert.Equal(t, uint32(17), binary.LittleEndian.Uint32(data[1:5]))
		assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(data[5:9]))

		got, err := DecodeImage(data)
		require.NoError(t, err, f.String())
		assert.Equal(t, img.Pix, got.Pix, f.String())
	}
}

func TestZstdShrinksFlatImages(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 128, 128))
	data, err := EncodeImage(img, Options{Format: FormatZstd})
	require.NoError(t, err)
	assert.Less(t, len(data), len(img.Pix)/10)
}

func TestLossyRoundTripWithinTolerance(t *testing.T) {
	img := testImage(32, 24, 2)
	data, err := EncodeImage(img, Options{Format: FormatLossy, Quality: 95})
	require.NoError(t, err)
	assert.Equal(t, byte(FormatLossy), data[0])

	jpgLen := int(binary.LittleEndian.Uint32(data[9:13]))
	assert.Equal(t, headerSize+4+jpgLen+32*24, len(data))

	got, err := DecodeImage(data)
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), got.Bounds())

	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			want, have := img.NRGBAAt(x, y), got.NRGBAAt(x, y)
			require.Equal(t, want.A, have.A, "alpha is stored losslessly")
			if want.A == 255 && (x+y)%7 == 0 {
				assert.InDelta(t, want.R, have.R, 12)
				assert.InDelta(t, want.G, have.G, 12)
				assert.InDelta(t, want.B, have.B, 12)
			}
		}
	}
}

func TestSubImageEncodesAtOrigin(t *testing.T) {
	img := testImage(10, 10, 3)
	sub := img.SubImage(image.Rect(2, 3, 7, 9)).(*image.NRGBA)

	data, err := EncodeImage(sub, Options{Format: FormatRaw})
	require.NoError(t, err)
	got, err := DecodeImage(data)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 5, 6), got.Bounds())
	assert.Equal(t, img.NRGBAAt(2, 3), got.NRGBAAt(0, 0))
	assert.Equal(t, img.NRGBAAt(6, 8), got.NRGBAAt(4, 5))
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeImage([]byte{0, 1})
	assert.ErrorIs(t, err, ErrCorrupt)

	data, err := EncodeImage(testImage(4, 4, 4), Options{Format: FormatRaw})
	require.NoError(t, err)

	unknown := append([]byte{}, data...)
	unknown[0] = 9
	_, err = DecodeImage(unknown)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = DecodeImage(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrCorrupt)

	huge := append([]byte{}, data...)
	binary.LittleEndian.PutUint32(huge[1:5], 1<<30)
	_, err = DecodeImage(huge)
	assert.ErrorIs(t, err, ErrCorrupt)

	packed, err := EncodeImage(testImage(4, 4, 4), Options{Format: FormatZstd})
	require.NoError(t, err)
	packed[len(packed)-2] ^= 0xff
	_, err = DecodeImage(packed)
	assert.Error(t, err)

	_, err = EncodeImage(testImage(4, 4, 4), Options{Format: FormatStack})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestZstdOutputIsCappedByHeader(t *testing.T) {
	bomb, err := compressZstd(make([]byte, 8<<20))
	require.NoError(t, err)
	require.Less(t, len(bomb), 4096)

	_, err = decompressZstd(bomb, 64)
	assert.ErrorContains(t, err, "exceeds 64 bytes")

	out, err := decompressZstd(bomb, 8<<20)
	require.NoError(t, err)
	assert.Len(t, out, 8<<20)

	// a 64x64 payload behind a header that claims 2x2
	data, err := EncodeImage(image.NewNRGBA(image.Rect(0, 0, 64, 64)), Options{Format: FormatZstd})
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[1:5], 2)
	binary.LittleEndian.PutUint32(data[5:9], 2)
	_, err = DecodeImage(data)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorContains(t, err, "exceeds 16 bytes")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("LOSSY")
	require.NoError(t, err)
	assert.Equal(t, FormatLossy, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatZstd, f)

	_, err = ParseFormat("webp")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func testSnapshot(t *testing.T) *layer.StoreSnapshot {
	t.Helper()
	s, err := layer.NewStore(layer.Config{Width: 12, Height: 8})
	require.NoError(t, err)

	paper := color.NRGBA{R: 250, G: 248, B: 240, A: 255}
	_, err = s.CreateLayer("paper", nil, &paper)
	require.NoError(t, err)
	ink, err := s.CreateLayer("ink", testImage(12, 8, 5), nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLayer(ink.ID, layer.Update{
		Opacity:   layer.Set(0.4),
		BlendMode: layer.Set(blend.Luminosity),
		Locked:    layer.Set(true),
	}))
	hidden, err := s.CreateLayer("hidden", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLayer(hidden.ID, layer.Update{Visible: layer.Set(false)}))
	require.NoError(t, s.SetActiveLayer(hidden.ID))
	_, err = s.EditActive(func(px *image.NRGBA) (image.Rectangle, error) {
		px.SetNRGBA(1, 1, color.NRGBA{R: 1, A: 255})
		return image.Rectangle{}, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.SetActiveLayer(ink.ID))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	return snap
}

func TestStackRoundTrip(t *testing.T) {
	snap := testSnapshot(t)

	data, err := EncodeStack(snap, Options{Format: FormatZstd})
	require.NoError(t, err)
	assert.Equal(t, byte(FormatStack), data[0])

	got, err := DecodeStack(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Width, got.Width)
	assert.Equal(t, snap.Height, got.Height)
	assert.Equal(t, snap.ActiveID, got.ActiveID)
	require.Len(t, got.Layers, len(snap.Layers))

	for i, want := range snap.Layers {
		have := got.Layers[i]
		assert.Equal(t, want.ID, have.ID)
		assert.Equal(t, want.Name, have.Name)
		assert.Equal(t, want.Visible, have.Visible)
		assert.Equal(t, want.Locked, have.Locked)
		assert.Equal(t, want.Opacity, have.Opacity)
		assert.Equal(t, want.BlendMode, have.BlendMode)
		assert.Equal(t, want.Background, have.Background)
		assert.Equal(t, want.Bounds, have.Bounds, want.Name)
		assert.Equal(t, want.Pixels.Pix, have.Pixels.Pix, want.Name)
	}
	assert.False(t, got.Layers[2].Bounds.Known(), "unknown bounds survive the round trip")
}

func TestStackRejectsTruncation(t *testing.T) {
	data, err := EncodeStack(testSnapshot(t), Options{Format: FormatRaw})
	require.NoError(t, err)

	_, err = DecodeStack(data[:len(data)-10])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeStack(append(data, 0))
	assert.ErrorIs(t, err, ErrCorrupt)

	img, err := EncodeImage(testImage(4, 4, 6), Options{Format: FormatRaw})
	require.NoError(t, err)
	_, err = DecodeStack(img)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = DecodeImage(data)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
