package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/history"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var historyBenchCmd = &cobra.Command{
	Use:   "history-bench",
	Short: "Record random edits, then undo and redo through the whole history",
	Long: `history-bench paints random rectangles, records each as a history entry and
then walks the timeline back and forth. Entries past the memory watermark
go through the configured durable store, so this exercises spill, fetch
and decode end to end.`,
	RunE: runHistoryBench,
}

func init() {
	rootCmd.AddCommand(historyBenchCmd)

	historyBenchCmd.Flags().Int("edits", 40, "Number of edits to record")
	historyBenchCmd.Flags().Int("max-rect", 32, "Largest rectangle side painted per edit")
	historyBenchCmd.Flags().Bool("progress", true, "Show a progress bar")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, historyBenchCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("bench.edits", "edits")
	mustBind("bench.max_rect", "max-rect")
	mustBind("bench.progress", "progress")
}

// benchResult summarises one history-bench run.
type benchResult struct {
	Edits    int
	Undone   int
	Redone   int
	Lost     int
	Resident int
	Record   time.Duration
	Undo     time.Duration
	Redo     time.Duration
}

func runHistoryBench(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	edits := viper.GetInt("bench.edits")
	maxRect := viper.GetInt("bench.max_rect")
	if edits <= 0 || maxRect <= 0 {
		return fmt.Errorf("edits and max-rect must be positive")
	}

	ctx := context.Background()
	s, err := openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := worker.NewProgress(edits*3, "steps", viper.GetBool("bench.progress") && !viper.GetBool("verbose"))
	res, err := benchHistory(ctx, s, edits, maxRect, viper.GetInt64("canvas.seed"), progress.Callback())
	progress.Done()
	if err != nil {
		return err
	}

	logger.Info("History bench complete",
		"edits", res.Edits,
		"undone", res.Undone,
		"redone", res.Redone,
		"lost", res.Lost,
		"resident_at_end", res.Resident,
		"record", res.Record.Round(time.Millisecond),
		"undo", res.Undo.Round(time.Millisecond),
		"redo", res.Redo.Round(time.Millisecond),
	)
	return nil
}

func benchHistory(ctx context.Context, s *session, edits, maxRect int, seed int64, onProgress worker.ProgressFunc) (benchResult, error) {
	res := benchResult{Edits: edits}
	rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	bounds := s.ed.Store().Bounds()
	total := edits * 3
	step, failed := 0, 0
	tick := func() {
		step++
		if onProgress != nil {
			onProgress(step, total, failed)
		}
	}

	start := time.Now()
	for i := 0; i < edits; i++ {
		r := randomRect(rng, bounds, maxRect)
		c := color.NRGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
		_, err := s.ed.Edit(ctx, func(px *image.NRGBA) (image.Rectangle, error) {
			for y := r.Min.Y; y < r.Max.Y; y++ {
				for x := r.Min.X; x < r.Max.X; x++ {
					px.SetNRGBA(x, y, c)
				}
			}
			return r, nil
		})
		if err != nil {
			return res, fmt.Errorf("edit %d: %w", i, err)
		}
		if err := s.ed.History().SaveImmediate(ctx); err != nil {
			return res, fmt.Errorf("record edit %d: %w", i, err)
		}
		tick()
	}
	if err := s.ed.History().Sync(ctx); err != nil {
		return res, err
	}
	res.Record = time.Since(start)

	walk := func(move func(context.Context) error, done *int) error {
		for i := 0; i < edits; i++ {
			err := move(ctx)
			switch {
			case err == nil:
				*done++
			case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo):
				failed += edits - i
				return nil
			case errors.Is(err, history.ErrHistoryEntryLost):
				res.Lost++
				failed++
				logger.Warn("history entry lost during bench", "error", err)
				return nil
			default:
				return err
			}
			tick()
		}
		return nil
	}

	start = time.Now()
	if err := walk(s.ed.Undo, &res.Undone); err != nil {
		return res, err
	}
	res.Undo = time.Since(start)

	start = time.Now()
	if err := walk(s.ed.Redo, &res.Redone); err != nil {
		return res, err
	}
	res.Redo = time.Since(start)

	res.Resident = s.ed.History().State().Resident
	return res, nil
}

func randomRect(rng *rand.Rand, bounds image.Rectangle, maxSide int) image.Rectangle {
	w := 1 + rng.IntN(min(maxSide, bounds.Dx()))
	h := 1 + rng.IntN(min(maxSide, bounds.Dy()))
	x := bounds.Min.X + rng.IntN(bounds.Dx()-w+1)
	y := bounds.Min.Y + rng.IntN(bounds.Dy()-h+1)
	return image.Rect(x, y, x+w, y+h)
}
