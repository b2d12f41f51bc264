package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/emocapture/internal/api"
	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// dependencies are resolved once flags are parsed.
type dependencies struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log recorderlog.Logger
}

func newRootCmd() *cobra.Command {
	deps := &dependencies{}

	root := &cobra.Command{
		Use:           "emocapture",
		Short:         "Record labelled expression clips for calibration",
		Long:          "Records short webcam clips per emotion label, or unlabeled pool segments, and uploads them as one batch to the calibration backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load()
		},
	}
	root.PersistentFlags().StringVarP(&deps.configPath, "config", "c", "", "YAML config file (EMOCAPTURE_* variables override it)")
	root.PersistentFlags().StringVar(&deps.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRecordCmd(deps),
		newPoolCmd(deps),
		newLabelCmd(deps),
		newServeCmd(deps),
		newConfigCmd(deps),
		newDevicesCmd(),
	)
	return root
}

func (d *dependencies) load() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if d.logLevel != "" {
		cfg.Log.Level = d.logLevel
	}
	log, err := recorderlog.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	recorderlog.ReplaceGlobal(log)
	d.cfg = cfg
	d.log = log
	return nil
}

// withApplication runs fn with a wired application and a context cancelled on
// SIGINT or SIGTERM.
func (d *dependencies) withApplication(fn func(ctx context.Context, app *Application) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer d.log.Sync()

	app, err := NewApplication(ctx, d.cfg, d.log)
	if err != nil {
		return err
	}
	defer app.Cleanup()
	return fn(ctx, app)
}

// waitOrStop waits for the recorder to go idle. An interrupt stops everything and
// still waits, so partial recordings land in the batch.
func waitOrStop(ctx context.Context, app *Application) {
	if err := app.orch.Wait(ctx); err == nil {
		return
	}
	app.orch.StopAll()
	waitCtx, cancel := context.WithTimeout(context.Background(), app.config.Capture.FinalizeTimeout+time.Second)
	defer cancel()
	_ = app.orch.Wait(waitCtx)
}

func newRecordCmd(deps *dependencies) *cobra.Command {
	var noSave bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record every configured emotion once, then upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withApplication(func(ctx context.Context, app *Application) error {
				stopEvents := app.printEvents(cmd.OutOrStdout())
				defer stopEvents()

				if err := app.orch.Queue.Start(); err != nil {
					return err
				}
				waitOrStop(ctx, app)
				if err := app.orch.Queue.Err(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "queue halted:", err)
				}
				if noSave {
					return nil
				}
				return app.save(context.Background(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "record without uploading")
	return cmd
}

func newPoolCmd(deps *dependencies) *cobra.Command {
	var noSave bool
	var total time.Duration

	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Record unlabeled pool segments, then upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if total > 0 {
				deps.cfg.Capture.PoolDuration = total
				if err := deps.cfg.Validate(); err != nil {
					return err
				}
			}
			return deps.withApplication(func(ctx context.Context, app *Application) error {
				stopEvents := app.printEvents(cmd.OutOrStdout())
				defer stopEvents()

				n, err := app.orch.Pool.Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d pool segments\n", n)
				if noSave {
					return nil
				}
				return app.save(context.Background(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "record without uploading")
	cmd.Flags().DurationVar(&total, "duration", 0, "override capture.pool_duration")
	return cmd
}

func newLabelCmd(deps *dependencies) *cobra.Command {
	var noSave bool

	cmd := &cobra.Command{
		Use:   "label <emotion>...",
		Short: "Record the given emotions in order, then upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withApplication(func(ctx context.Context, app *Application) error {
				stopEvents := app.printEvents(cmd.OutOrStdout())
				defer stopEvents()

				for _, label := range args {
					if err := app.orch.Queue.CaptureLabel(label); err != nil {
						return fmt.Errorf("%s: %w", label, err)
					}
					waitOrStop(ctx, app)
					if ctx.Err() != nil {
						break
					}
				}
				if noSave {
					return nil
				}
				return app.save(context.Background(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "record without uploading")
	return cmd
}

func newServeCmd(deps *dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API for the recording UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return deps.withApplication(func(ctx context.Context, app *Application) error {
				srv := api.NewServer(ctx, deps.cfg.API, app.orch, deps.log)
				if app.archiver != nil {
					srv.AddHealthCheck("archive", app.archiver)
				}

				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start() }()

				select {
				case err := <-errCh:
					if !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				case <-ctx.Done():
				}

				app.orch.StopAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	return cmd
}

func newConfigCmd(deps *dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := deps.cfg.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.NewDefaultConfig().WriteFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
			return nil
		},
	})
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras usable as video.device_id",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			cams := capture.ListCameras()
			if len(cams) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cameras found")
				return nil
			}
			for _, c := range cams {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.DeviceID, c.Label)
			}
			return nil
		},
	}
}
