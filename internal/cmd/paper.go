package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/pixelstack/internal/texture"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var paperCmd = &cobra.Command{
	Use:   "paper",
	Short: "Render the paper texture used for background layers",
	RunE:  runPaper,
}

func init() {
	rootCmd.AddCommand(paperCmd)

	paperCmd.Flags().StringP("output", "o", "paper.png", "Output PNG file")
	paperCmd.Flags().Float64("grain", 0.35, "Grain strength (0..1)")
	paperCmd.Flags().Float64("scale", 24, "Grain feature size in pixels")
	paperCmd.Flags().Float32("soften", 0, "Gaussian blur sigma applied to the grain")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"paper.output", "output"},
		{"paper.grain", "grain"},
		{"paper.scale", "scale"},
		{"paper.soften", "soften"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, paperCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runPaper(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	w, h := canvasSize(nil)
	p := texture.DefaultPaperParams(w, h)
	p.Seed = viper.GetInt64("canvas.seed")
	p.Grain = viper.GetFloat64("paper.grain")
	p.Scale = viper.GetFloat64("paper.scale")
	p.Soften = float32(viper.GetFloat64("paper.soften"))

	if p.Grain < 0 || p.Grain > 1 {
		return fmt.Errorf("grain must be within [0,1]")
	}

	img, err := texture.Paper(p)
	if err != nil {
		return err
	}
	output := viper.GetString("paper.output")
	if err := writePNGFile(output, img); err != nil {
		return err
	}

	logger.Info("Paper texture written", "output", output, "width", w, "height", h, "seed", p.Seed)
	return nil
}
