package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MeKo-Tech/pixelstack/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [layer.png...]",
	Short: "Serve a live editor session for previews and undo/redo",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("cache-control", "no-store", "Cache-Control header for served images")
	serveCmd.Flags().Int("thumbnail-size", 128, "Default thumbnail size in pixels")
	serveCmd.Flags().Int("checker", 8, "Checkerboard cell size behind transparent pixels (0 disables)")
	serveCmd.Flags().StringSlice("modes", nil, "Blend mode per input layer")
	serveCmd.Flags().Float64Slice("opacity", nil, "Opacity per input layer (0..1)")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.cache_control", "cache-control")
	mustBind("serve.thumbnail_size", "thumbnail-size")
	mustBind("serve.checker", "checker")
	mustBind("serve.modes", "modes")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	opacities, err := cmd.Flags().GetFloat64Slice("opacity")
	if err != nil {
		return err
	}
	inputs, err := loadInputs(args, viper.GetStringSlice("serve.modes"), opacities)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, inputs)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := server.New(s.ed, server.Config{
		Addr:          viper.GetString("serve.addr"),
		CacheControl:  viper.GetString("serve.cache_control"),
		ThumbnailSize: viper.GetInt("serve.thumbnail_size"),
		Checker:       viper.GetInt("serve.checker"),
		Metrics:       s.metrics,
		Logger:        logger,
	})
	return srv.ListenAndServe(ctx)
}
