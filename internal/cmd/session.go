package cmd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/codec"
	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/MeKo-Tech/pixelstack/internal/editor"
	"github.com/MeKo-Tech/pixelstack/internal/history"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/MeKo-Tech/pixelstack/internal/storage"
	"github.com/MeKo-Tech/pixelstack/internal/texture"
	"github.com/spf13/viper"
)

const defaultCanvasSide = 256

// inputLayer is one image loaded from the command line.
type inputLayer struct {
	name    string
	img     image.Image
	mode    blend.Mode
	opacity float64
}

// session bundles an editor with the durable store it spills to.
type session struct {
	ed      *editor.Editor
	store   durable.Backend
	metrics *metrics.Metrics
}

func (s *session) Close() {
	s.ed.Close()
	if err := s.store.Close(); err != nil {
		logger.Warn("failed to close durable store", "error", err)
	}
}

func loadInputs(paths, modes []string, opacities []float64) ([]inputLayer, error) {
	if len(modes) > len(paths) || len(opacities) > len(paths) {
		return nil, fmt.Errorf("got %d blend modes and %d opacities for %d inputs", len(modes), len(opacities), len(paths))
	}

	out := make([]inputLayer, 0, len(paths))
	for i, p := range paths {
		img, err := readPNG(p)
		if err != nil {
			return nil, err
		}
		in := inputLayer{
			name:    strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
			img:     img,
			mode:    blend.Normal,
			opacity: 1,
		}
		if i < len(modes) {
			if in.mode, err = blend.ParseMode(modes[i]); err != nil {
				return nil, err
			}
		}
		if i < len(opacities) {
			in.opacity = opacities[i]
		}
		out = append(out, in)
	}
	return out, nil
}

func readPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

func canvasSize(inputs []inputLayer) (int, int) {
	w, h := viper.GetInt("canvas.width"), viper.GetInt("canvas.height")
	if len(inputs) > 0 {
		b := inputs[0].img.Bounds()
		if w <= 0 {
			w = b.Dx()
		}
		if h <= 0 {
			h = b.Dy()
		}
	}
	if w <= 0 {
		w = defaultCanvasSide
	}
	if h <= 0 {
		h = defaultCanvasSide
	}
	return w, h
}

func historyConfig() (history.Config, error) {
	hc := history.DefaultConfig()
	switch strings.ToLower(viper.GetString("history.mode")) {
	case "layers", "":
		hc.Mode = history.ModeLayers
	case "flat":
		hc.Mode = history.ModeFlat
	default:
		return hc, fmt.Errorf("invalid history mode %q: must be 'layers' or 'flat'", viper.GetString("history.mode"))
	}

	format, err := codec.ParseFormat(viper.GetString("history.spill_format"))
	if err != nil {
		return hc, err
	}
	hc.SpillFormat = format
	hc.Quality = viper.GetInt("history.quality")
	hc.MaxEntries = viper.GetInt("history.max_entries")
	hc.MemoryWatermark = viper.GetInt("history.watermark")
	hc.Debounce = viper.GetDuration("history.debounce")
	hc.IOTimeout = viper.GetDuration("history.io_timeout")
	hc.ProjectID = viper.GetString("history.project")
	hc.ThumbnailSize = viper.GetInt("history.thumbnail_size")
	return hc, nil
}

// openSession builds an editor from the bound configuration and stacks the
// inputs on top of its first layer.
func openSession(ctx context.Context, inputs []inputLayer) (*session, error) {
	hc, err := historyConfig()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, storage.Config{
		Type:   viper.GetString("durable.type"),
		Path:   viper.GetString("durable.path"),
		Bucket: viper.GetString("durable.bucket"),
		Prefix: viper.GetString("durable.prefix"),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	w, h := canvasSize(inputs)
	cfg := editor.DefaultConfig(w, h)
	cfg.MaxLayers = viper.GetInt("canvas.max_layers")
	cfg.Workers = viper.GetInt("workers.count")
	cfg.WorkerTimeout = viper.GetDuration("workers.timeout")
	cfg.History = hc
	cfg.Durable = store
	cfg.Metrics = metrics.New()
	cfg.Logger = logger
	if viper.GetBool("canvas.paper") {
		p := texture.DefaultPaperParams(w, h)
		p.Seed = viper.GetInt64("canvas.seed")
		cfg.Paper = &p
	}

	ed, err := editor.New(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s := &session{ed: ed, store: store, metrics: cfg.Metrics}

	if len(inputs) == 0 {
		return s, nil
	}
	err = ed.Apply(ctx, func(st *layer.Store) error {
		for _, in := range inputs {
			info, err := st.CreateLayer(in.name, in.img, nil)
			if err != nil {
				return fmt.Errorf("add layer %s: %w", in.name, err)
			}
			err = st.UpdateLayer(info.ID, layer.Update{
				Opacity:   layer.Set(in.opacity),
				BlendMode: layer.Set(in.mode),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
