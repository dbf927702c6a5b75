package cmd

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("canvas.width", 32)
	viper.Set("canvas.height", 24)
	viper.Set("canvas.max_layers", 10)
	viper.Set("workers.count", 2)
	viper.Set("workers.timeout", "2s")
	viper.Set("history.mode", "layers")
	viper.Set("history.spill_format", "zstd")
	viper.Set("history.watermark", 3)
	viper.Set("history.max_entries", 50)
	viper.Set("history.debounce", "1h")
	viper.Set("history.project", "bench")
	viper.Set("durable.type", "memory")
	initLogging()
}

func writeTestPNG(t *testing.T, dir, name string, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestRandomRectStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	bounds := image.Rect(0, 0, 10, 7)
	for i := 0; i < 500; i++ {
		r := randomRect(rng, bounds, 32)
		assert.False(t, r.Empty())
		assert.True(t, r.In(bounds), "rect %v escapes %v", r, bounds)
	}
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	a := writeTestPNG(t, dir, "base.png", color.NRGBA{R: 200, A: 255})
	b := writeTestPNG(t, dir, "shade.png", color.NRGBA{B: 200, A: 128})

	inputs, err := loadInputs([]string{a, b}, []string{"normal", "multiply"}, []float64{1, 0.5})
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "shade", inputs[1].name)
	assert.Equal(t, blend.Multiply, inputs[1].mode)
	assert.Equal(t, 0.5, inputs[1].opacity)

	_, err = loadInputs([]string{a}, []string{"normal", "screen"}, nil)
	assert.Error(t, err)

	_, err = loadInputs([]string{a}, []string{"nope"}, nil)
	assert.Error(t, err)
}

func TestOpenSessionStacksInputs(t *testing.T) {
	setupViper(t)
	viper.Set("canvas.width", 0)
	viper.Set("canvas.height", 0)
	dir := t.TempDir()
	a := writeTestPNG(t, dir, "base.png", color.NRGBA{R: 200, A: 255})

	inputs, err := loadInputs([]string{a}, nil, nil)
	require.NoError(t, err)
	s, err := openSession(context.Background(), inputs)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, image.Rect(0, 0, 6, 4), s.ed.Store().Bounds())
	assert.Equal(t, 2, s.ed.Store().Len())
	assert.Equal(t, color.NRGBA{R: 200, A: 255}, s.ed.Frame().NRGBAAt(2, 2))
}

func TestHistoryConfigRejectsUnknownMode(t *testing.T) {
	setupViper(t)
	viper.Set("history.mode", "sideways")
	_, err := historyConfig()
	assert.Error(t, err)
}

func TestBenchHistoryRoundTrip(t *testing.T) {
	setupViper(t)
	s, err := openSession(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	var last int
	res, err := benchHistory(context.Background(), s, 8, 6, 42, func(completed, total, failed int) {
		last = completed
	})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Undone)
	assert.Equal(t, 8, res.Redone)
	assert.Zero(t, res.Lost)
	assert.Equal(t, 24, last)
	assert.Less(t, s.ed.History().State().Resident, 9)
}
