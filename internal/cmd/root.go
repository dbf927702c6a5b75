package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pixelstack",
	Short: "Layer compositing and edit history for pixel art",
	Long: `pixelstack composites stacks of pixel-art layers under per-layer opacity,
visibility and blend modes, and keeps an undo history that spills old
snapshots to a durable store (memory, filesystem, sqlite or s3).`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.Bool("verbose", false, "Enable verbose logging")

	flags.Int("width", 0, "Canvas width (defaults to the first input image, else 256)")
	flags.Int("height", 0, "Canvas height (defaults to the first input image, else 256)")
	flags.Int("max-layers", 10, "Maximum number of layers")
	flags.Int("workers", runtime.NumCPU(), "Blend worker goroutines")
	flags.Duration("worker-timeout", 2*time.Second, "Timeout per worker round-trip")
	flags.Bool("paper", false, "Add a locked paper texture layer at the bottom")
	flags.Int64("seed", 1, "Seed for the paper texture")

	flags.String("history-mode", "layers", "History mode (layers, flat)")
	flags.Int("history-max-entries", 50, "Maximum history entries")
	flags.Int("history-watermark", 20, "Resident entries before spilling to the durable store")
	flags.Duration("history-debounce", 300*time.Millisecond, "Quiet period that ends a coalesced capture")
	flags.Duration("history-io-timeout", 5*time.Second, "Timeout per durable read or write")
	flags.String("history-spill-format", "zstd", "Spill encoding (raw, zstd, lossy)")
	flags.Int("history-quality", 90, "JPEG quality for lossy spill")
	flags.String("project", "", "Project id used to namespace durable keys (default: random)")

	flags.String("durable-type", "memory", "Durable store (memory, filesystem, sqlite, s3)")
	flags.String("durable-path", "", "Directory (filesystem) or database file (sqlite)")
	flags.String("durable-bucket", "", "S3 bucket")
	flags.String("durable-prefix", "", "S3 key prefix")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"verbose", "verbose"},
		{"canvas.width", "width"},
		{"canvas.height", "height"},
		{"canvas.max_layers", "max-layers"},
		{"canvas.paper", "paper"},
		{"canvas.seed", "seed"},
		{"workers.count", "workers"},
		{"workers.timeout", "worker-timeout"},
		{"history.mode", "history-mode"},
		{"history.max_entries", "history-max-entries"},
		{"history.watermark", "history-watermark"},
		{"history.debounce", "history-debounce"},
		{"history.io_timeout", "history-io-timeout"},
		{"history.spill_format", "history-spill-format"},
		{"history.quality", "history-quality"},
		{"history.project", "project"},
		{"durable.type", "durable-type"},
		{"durable.path", "durable-path"},
		{"durable.bucket", "durable-bucket"},
		{"durable.prefix", "durable-prefix"},
	}
	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, flags.Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("PIXELSTACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
