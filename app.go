package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/golang/geo/r3"
	"github.com/kwv/pointscope/cloud"
	"go.uber.org/zap"
)

// errCompletionDisabled is returned when no completion endpoint is configured
var errCompletionDisabled = errors.New("completion service not configured")

// App encapsulates the application state and dependencies
type App struct {
	Config     *cloud.Config
	Logger     *zap.Logger
	Scene      *cloud.Scene
	Client     *cloud.CompletionClient
	Completion *cloud.Completion
	MQTTClient *cloud.MQTTClient
	Publisher  *cloud.Publisher
	Watcher    *cloud.FileWatcher
	Snapshot   *cloud.Snapshot

	// CLI flags (effectively dependencies)
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

	out      io.Writer
	scanMu   sync.Mutex
	closeOne sync.Once
}

// NewApp creates a new App writing command output to stdout
func NewApp() *App {
	return &App{out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.EnvFile = opts.EnvFile
	a.LogLevel = opts.LogLevel
	a.ScanFile = opts.ScanFile
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.Yaw = opts.Yaw
	a.Pitch = opts.Pitch
	a.Center = opts.Center
	a.Radius = opts.Radius
	a.Timeout = opts.Timeout
	a.HTTPPort = opts.HTTPPort
	a.Watch = opts.Watch
}

// setup loads .env and the configuration, applies flag overrides and wires
// every component. It runs once; later calls are no-ops.
func (a *App) setup() error {
	if a.Scene != nil {
		return nil
	}
	if a.EnvFile != "" {
		if err := cloud.LoadEnv(a.EnvFile); err != nil {
			return err
		}
	}
	cfg, err := cloud.LoadConfigOrDefault(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.ConfigFile, err)
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.HTTPPort > 0 {
		cfg.HTTP.Port = a.HTTPPort
	}
	if a.Radius > 0 {
		cfg.Selection.Radius = a.Radius
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cloud.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	return a.wire(cfg, logger)
}

// wire builds the scene, the completion manager and the snapshot renderer
// from cfg.
func (a *App) wire(cfg *cloud.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.SceneOptions()
	if err != nil {
		return err
	}
	scene, err := cloud.NewScene(opts, logger)
	if err != nil {
		return err
	}

	a.Config = cfg
	a.Logger = logger
	a.Scene = scene
	a.Snapshot = cloud.NewSnapshot()
	if a.Yaw != 0 || a.Pitch != 0 {
		a.Snapshot.Camera = cloud.Camera{Yaw: a.Yaw, Pitch: a.Pitch}
	}

	if cfg.Completion.Endpoint == "" {
		logger.Info("completion disabled: no endpoint configured")
		return nil
	}
	clientOpts := append(cfg.ClientOptions(), cloud.WithClientLogger(logger))
	client, err := cloud.NewCompletionClient(cfg.Completion.Endpoint, clientOpts...)
	if err != nil {
		return err
	}
	a.Client = client
	a.Completion = cloud.NewCompletion(client, scene, append(cfg.CompletionOptions(),
		cloud.WithEvents(scene.Events()),
		cloud.WithLogger(logger))...)
	return nil
}

// LoadFile parses path and makes it the scanned cloud. A parse failure leaves
// the scene untouched.
func (a *App) LoadFile(path string) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	ps, err := cloud.ParseFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := a.Scene.LoadScanned(ps); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	a.ScanFile = path
	a.Logger.Info("scan loaded", zap.String("file", path), zap.Int("points", ps.Len()))
	return nil
}

// reloadScan re-reads the scanned file after it changed on disk
func (a *App) reloadScan() {
	a.scanMu.Lock()
	path := a.ScanFile
	a.scanMu.Unlock()
	if path == "" {
		return
	}
	if err := a.LoadFile(path); err != nil {
		a.Logger.Warn("reload failed, keeping previous scan", zap.Error(err))
	}
}

// WatchScan reloads the scanned file whenever it changes
func (a *App) WatchScan() error {
	if a.ScanFile == "" {
		return fmt.Errorf("watch: no scan file loaded")
	}
	fw, err := cloud.NewFileWatcher(cloud.DefaultDebounce, a.Logger)
	if err != nil {
		return err
	}
	if err := fw.Watch(a.ScanFile, func(string) { a.reloadScan() }); err != nil {
		_ = fw.Close()
		return err
	}
	a.Watcher = fw
	a.Logger.Info("watching scan file", zap.String("file", a.ScanFile))
	return nil
}

// StartMQTT connects to the broker, if one is configured, publishes scene
// events and listens for remote commands.
func (a *App) StartMQTT() error {
	client, err := cloud.NewMQTT(a.Config.MQTT, a.handleCommand, a.Logger)
	if err != nil {
		return fmt.Errorf("init MQTT: %w", err)
	}
	if client == nil {
		return nil
	}
	a.MQTTClient = client
	a.attachPublisher(cloud.NewPublisher(client.Client(), client.Prefix(), a.Logger))
	return nil
}

func (a *App) attachPublisher(p *cloud.Publisher) {
	a.Publisher = p
	a.Scene.Events().Subscribe(p)
}

// SubmitSelection exports the current selection and submits it. An empty
// selection returns (nil, nil).
func (a *App) SubmitSelection(ctx context.Context) (*cloud.Job, error) {
	if a.Completion == nil {
		return nil, errCompletionDisabled
	}
	return a.Completion.Submit(ctx, a.Scene.ExportSelection())
}

// handleCommand executes a remote command received over MQTT
func (a *App) handleCommand(cmd cloud.Command) {
	log := a.Logger.With(zap.String("action", cmd.Action))
	var err error
	switch cmd.Action {
	case "clear":
		a.Scene.Clear()
	case "reset":
		a.Scene.Reset()
	case "radius":
		if cmd.Radius == nil {
			err = fmt.Errorf("%w: radius missing", cloud.ErrInvalidArgument)
			break
		}
		_, err = a.Scene.SetRadius(*cmd.Radius)
	case "reload":
		a.reloadScan()
	case "submit":
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Completion.Timeout)
		defer cancel()
		_, err = a.SubmitSelection(ctx)
	case "cancel":
		if a.Completion == nil {
			err = errCompletionDisabled
			break
		}
		_, err = a.Completion.Cancel(cmd.Job)
	case "restore":
		if a.Completion == nil {
			err = errCompletionDisabled
			break
		}
		_, err = a.Completion.Restore(context.Background(), cmd.Job)
	default:
		err = fmt.Errorf("%w: unknown action", cloud.ErrInvalidInput)
	}
	if err != nil {
		log.Warn("command failed", zap.Error(err))
		return
	}
	log.Debug("command done")
}

// RunInfo prints statistics about a point-set file
func (a *App) RunInfo(path string) error {
	ps, err := cloud.ParseFile(path)
	if err != nil {
		return err
	}

	heading := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)

	heading.Fprintln(a.out, "Point Set Information")
	fmt.Fprintln(a.out, "=====================")
	label.Fprint(a.out, "Name:   ")
	fmt.Fprintln(a.out, ps.Name)
	label.Fprint(a.out, "File:   ")
	fmt.Fprintln(a.out, path)
	label.Fprint(a.out, "Points: ")
	fmt.Fprintln(a.out, ps.Len())
	label.Fprint(a.out, "Colors: ")
	if ps.Colors != nil {
		fmt.Fprintln(a.out, "per point")
	} else {
		fmt.Fprintln(a.out, "none")
	}

	fmt.Fprintln(a.out)
	heading.Fprintln(a.out, "Bounds")
	for _, axis := range []struct {
		name string
		vals []float64
	}{{"X", ps.X}, {"Y", ps.Y}, {"Z", ps.Z}} {
		lo, hi := axisRange(axis.vals)
		fmt.Fprintf(a.out, "  %s: %.6f .. %.6f\n", axis.name, lo, hi)
	}

	lo, hi := ps.Bounds()
	frame := cloud.NormalizedFrame(lo, hi, cloud.DefaultDisplayRange)
	fmt.Fprintln(a.out)
	heading.Fprintln(a.out, "Display Frame")
	fmt.Fprintf(a.out, "  Union range: %.6f .. %.6f\n", lo, hi)
	fmt.Fprintf(a.out, "  Maps to:     %.1f .. %.1f\n", frame.Apply(lo), frame.Apply(hi))
	return nil
}

// RunRender loads a file and writes a snapshot of it
func (a *App) RunRender(path string) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()

	if err := a.LoadFile(path); err != nil {
		return err
	}
	if err := a.writeSnapshot(a.OutputFile); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s\n", a.OutputFile)
	return nil
}

// RunComplete runs the headless pipeline: load, select around the center,
// submit, wait for the job and render the result.
func (a *App) RunComplete(ctx context.Context, path string) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()
	if a.Completion == nil {
		return errCompletionDisabled
	}

	if err := a.LoadFile(path); err != nil {
		return err
	}
	center, err := a.selectionCenter()
	if err != nil {
		return err
	}
	st, err := a.Scene.SelectAtRaw(center)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Selected %d of %d points around (%g, %g, %g)\n", st.Matched, st.Examined, center.X, center.Y, center.Z)

	job, err := a.SubmitSelection(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("complete: %w: selection is empty", cloud.ErrInvalidArgument)
	}
	fmt.Fprintf(a.out, "Submitted job %s\n", job.ID())

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-job.Done():
	case <-timer.C:
		job.Cancel()
		return fmt.Errorf("complete: job %s did not finish within %s", job.ID(), timeout)
	case <-ctx.Done():
		job.Cancel()
		return ctx.Err()
	}

	if job.Status() != cloud.JobCompleted {
		return fmt.Errorf("complete: job %s %s: %w", job.ID(), job.Status(), job.Err())
	}
	for _, rs := range job.Results() {
		fmt.Fprintf(a.out, "  %s: %d points\n", rs.Label, rs.Count)
	}
	if err := a.writeSnapshot(a.OutputFile); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s\n", a.OutputFile)
	return nil
}

// selectionCenter parses the --center flag, defaulting to the middle of the
// scanned cloud's bounding box.
func (a *App) selectionCenter() (r3.Vector, error) {
	if a.Center != "" {
		return parseVector(a.Center)
	}
	var center r3.Vector
	var err error
	a.Scene.View(func(store *cloud.Store) {
		obj, ok := store.Get(cloud.LabelScanned)
		if !ok || len(obj.Handles) == 0 {
			err = fmt.Errorf("center: %w", cloud.ErrNotFound)
			return
		}
		p := obj.Handles[0].(*cloud.PointsPrimitive)
		lo := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
		hi := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
		for _, pos := range p.Positions {
			lo = r3.Vector{X: math.Min(lo.X, pos.X), Y: math.Min(lo.Y, pos.Y), Z: math.Min(lo.Z, pos.Z)}
			hi = r3.Vector{X: math.Max(hi.X, pos.X), Y: math.Max(hi.Y, pos.Y), Z: math.Max(hi.Z, pos.Z)}
		}
		mid := lo.Add(hi).Mul(0.5)
		center = r3.Vector{X: p.Frame.Invert(mid.X), Y: p.Frame.Invert(mid.Y), Z: p.Frame.Invert(mid.Z)}
	})
	return center, err
}

// RunService runs the HTTP API (and MQTT, when configured) until ctx ends
func (a *App) RunService(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Close()

	if a.ScanFile != "" {
		if err := a.LoadFile(a.ScanFile); err != nil {
			return err
		}
		if a.Watch {
			if err := a.WatchScan(); err != nil {
				return err
			}
		}
	}
	if err := a.StartMQTT(); err != nil {
		return err
	}

	server := newHTTPServer(a)
	addr := fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port)
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server starting", zap.String("addr", addr))
		errCh <- server.Listen(addr)
	}()

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	fmt.Fprintf(a.out, "HTTP API on port %d\n", a.Config.HTTP.Port)
	if a.MQTTClient != nil {
		fmt.Fprintf(a.out, "MQTT events under %s/, commands on %s\n", a.MQTTClient.Prefix(), a.MQTTClient.CommandTopic())
	}
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	fmt.Fprintln(a.out, "\nShutting down service...")
	if err := server.ShutdownWithTimeout(5 * time.Second); err != nil {
		a.Logger.Warn("HTTP shutdown", zap.Error(err))
	}
	return nil
}

// writeSnapshot renders the scene to path. The format follows a.Format or,
// when unset, the file extension.
func (a *App) writeSnapshot(path string) error {
	format := a.Format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format != "png" && format != "svg" {
		return fmt.Errorf("snapshot: %w: format %q", cloud.ErrInvalidArgument, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	a.Scene.View(func(store *cloud.Store) {
		if format == "svg" {
			err = a.Snapshot.RenderSVG(f, store)
		} else {
			err = a.Snapshot.RenderPNG(f, store)
		}
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close stops every background component
func (a *App) Close() {
	a.closeOne.Do(func() {
		if a.Watcher != nil {
			_ = a.Watcher.Close()
		}
		if a.Completion != nil {
			a.Completion.Close()
		}
		if a.Publisher != nil {
			a.Publisher.Close()
		}
		if a.MQTTClient != nil {
			a.MQTTClient.Disconnect()
		}
		if a.Logger != nil {
			_ = a.Logger.Sync()
		}
	})
}

// parseVector parses "x,y,z"
func parseVector(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, fmt.Errorf("%w: %q is not x,y,z", cloud.ErrInvalidArgument, s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("%w: %q is not x,y,z", cloud.ErrInvalidArgument, s)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func axisRange(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
