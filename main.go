package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/pointscope/cloud"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command-line flags
type AppOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
	ScanFile   string
	OutputFile string
	Format     string
	Yaw        float64
	Pitch      float64
	Center     string
	Radius     float64
	Timeout    time.Duration
	HTTPPort   int
	Watch      bool
}

// Runner is what the commands drive; App implements it
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunInfo(path string) error
	RunRender(path string) error
	RunComplete(ctx context.Context, path string) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the command line against app
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func newRootCmd(app Runner) *cobra.Command {
	var opts AppOptions

	root := &cobra.Command{
		Use:   "pointscope",
		Short: "Select regions of 3-D point clouds and complete them remotely",
		Long: `pointscope loads ASCII PLY and OFF point clouds into a headless scene,
selects points within a radius of a picked position, submits the selection to a
shape completion service and renders the returned candidates and symmetry planes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env", ".env", "Path to .env file (skipped when missing)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override log level: debug, info, warn, error")

	infoCmd := &cobra.Command{
		Use:   "info [file]",
		Short: "Display point count, bounds and display frame of a point-set file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunInfo(args[0])
		},
	}

	renderCmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Render a point-set file to PNG or SVG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunRender(args[0])
		},
	}

	completeCmd := &cobra.Command{
		Use:   "complete [file]",
		Short: "Select around a point, submit the selection and render the completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunComplete(cmd.Context(), args[0])
		},
	}
	completeCmd.Flags().StringVar(&opts.Center, "center", "", "Selection center x,y,z in file coordinates (default: bounding-box center)")
	completeCmd.Flags().Float64Var(&opts.Radius, "radius", 0, "Selection radius in display units (default from config)")
	completeCmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "Give up waiting for the job after this long")

	serveCmd := &cobra.Command{
		Use:   "serve [file]",
		Short: "Run the HTTP API and MQTT event publisher",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.ScanFile = args[0]
			}
			app.ApplyOptions(opts)
			return app.RunService(cmd.Context())
		},
	}
	serveCmd.Flags().IntVar(&opts.HTTPPort, "port", 0, "HTTP port (default from config)")
	serveCmd.Flags().BoolVar(&opts.Watch, "watch", false, "Reload the scan file when it changes")

	for _, cmd := range []*cobra.Command{renderCmd, completeCmd} {
		cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "snapshot.png", "Output file")
		cmd.Flags().StringVar(&opts.Format, "format", "", "Output format: png or svg (default: from extension)")
		cmd.Flags().Float64Var(&opts.Yaw, "yaw", cloud.DefaultCamera.Yaw, "Camera yaw in degrees")
		cmd.Flags().Float64Var(&opts.Pitch, "pitch", cloud.DefaultCamera.Pitch, "Camera pitch in degrees")
	}

	root.AddCommand(infoCmd, renderCmd, completeCmd, serveCmd)
	return root
}
