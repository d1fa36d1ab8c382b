package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kwv/roverscope/perception"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *perception.Config
	Pipeline   *perception.Pipeline
	State      *perception.StateTracker
	MQTTClient *perception.MQTTClient
	Publisher  *perception.Publisher
	MissionLog *perception.MissionLog

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	ReplayDir    string
	OutputFile   string
	RenderFormat string
	FrameURL     string
	PollInterval time.Duration
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	out       io.Writer
	processMu sync.Mutex
	fetch     func(ctx context.Context, url string) (*perception.Frame, error)
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		out: os.Stdout,
		fetch: func(ctx context.Context, url string) (*perception.Frame, error) {
			return (&perception.FrameFetcher{URL: url}).Fetch(ctx)
		},
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ReplayDir = opts.ReplayDir
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.FrameURL = opts.FrameURL
	a.PollInterval = opts.PollInterval
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file. A missing config.yaml at the default
// path falls back to the built-in defaults; an explicit path must exist.
func (a *App) loadConfig() (*perception.Config, error) {
	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfigFile {
		zap.S().Warnf("No %s found, using built-in defaults", path)
		cfg := perception.DefaultConfig()
		return &cfg, nil
	}
	cfg, err := perception.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	zap.S().Infof("Loaded config from %s", path)
	return cfg, nil
}

// ConfiguredFrameURL returns the frameUrl of the config file so frame polling
// can start without --frame-url.
func (a *App) ConfiguredFrameURL() (string, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.FrameURL, nil
}

// setup loads the config and builds the pipeline, state tracker and mission log.
func (a *App) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg

	state, err := perception.NewStateTrackerWithCache(cfg.WorldMapCache, cfg.Calibration.World.Size)
	if err != nil {
		return err
	}
	a.State = state

	pipeline, err := perception.NewPipeline(cfg.Calibration, state.World())
	if err != nil {
		return err
	}
	a.Pipeline = pipeline

	if cfg.MissionLog != "" {
		ml, err := perception.OpenMissionLog(cfg.MissionLog)
		if err != nil {
			return err
		}
		a.MissionLog = ml
		zap.S().Infof("Recording mission log to %s", cfg.MissionLog)
	}
	return nil
}

// shutdown persists the world map and releases resources.
func (a *App) shutdown() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.State != nil {
		if err := a.State.SaveWorldMap(); err != nil {
			zap.S().Errorf("Failed to save world map: %v", err)
		} else if a.Config != nil && a.Config.WorldMapCache != "" {
			zap.S().Infof("Saved world map to %s", a.Config.WorldMapCache)
		}
	}
	if a.MissionLog != nil {
		if err := a.MissionLog.Close(); err != nil {
			zap.S().Warnf("Closing mission log: %v", err)
		}
	}
}

// processFrame runs one perception cycle and fans the result out to the
// state tracker, mission log and publisher. Cycles are serialized so the
// pose trail stays in arrival order.
func (a *App) processFrame(ctx context.Context, frame *perception.Frame) (perception.CycleReport, error) {
	a.processMu.Lock()
	defer a.processMu.Unlock()

	out, err := a.Pipeline.Process(ctx, frame.Input())
	if err != nil {
		return perception.CycleReport{}, err
	}
	report := out.Report(a.Config.SteerClipDeg)
	a.State.Record(out, report)

	if a.MissionLog != nil {
		if err := a.MissionLog.RecordCycle(ctx, report); err != nil {
			zap.S().Warnf("Mission log: %v", err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishReport(report, a.State.World().Stats()); err != nil {
			zap.S().Warnf("[MQTT] Error publishing cycle %s: %v", report.CycleID, err)
		}
	}

	if !report.GateOpen {
		zap.S().Infof("Cycle %s: pose gate closed (pitch=%.2f roll=%.2f), map unchanged",
			report.CycleID, report.Pose.Pitch, report.Pose.Roll)
	}
	return report, nil
}

// handleFrame is the MQTT frame callback.
func (a *App) handleFrame(frame *perception.Frame, raw []byte, err error) {
	if err != nil {
		zap.S().Warnf("[MQTT] Dropping undecodable frame (%d bytes): %v", len(raw), err)
		return
	}
	if _, err := a.processFrame(context.Background(), frame); err != nil {
		zap.S().Warnf("[MQTT] Dropping frame: %v", err)
	}
}

// RunValidate loads the configuration and checks that the calibration
// produces a usable rectification.
func (a *App) RunValidate() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	p, err := perception.NewPipeline(cfg.Calibration, nil)
	if err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}

	cal := p.Calibration()
	dst := cal.Rectify.DestinationFor(perception.ReferenceFrameWidth, perception.ReferenceFrameHeight)
	fmt.Fprintf(a.out, "Vehicle: %s\n", cfg.VehicleID)
	fmt.Fprintf(a.out, "Rectify source: %v\n", cal.Rectify.Source)
	fmt.Fprintf(a.out, "Rectify destination (%dx%d): %v\n", perception.ReferenceFrameWidth, perception.ReferenceFrameHeight, dst)
	fmt.Fprintf(a.out, "Navigable threshold: %v\n", cal.NavigableThreshold)
	fmt.Fprintf(a.out, "Target range (%s): %v - %v\n", cal.Target.Space, cal.Target.Lower, cal.Target.Upper)
	fmt.Fprintf(a.out, "World: %dx%d cells, scale %.1f\n", cal.World.Size, cal.World.Size, cal.World.Scale)
	fmt.Fprintf(a.out, "Pose gate: pitch < %.2f, roll < %.2f\n", cal.Gate.MaxPitch, cal.Gate.MaxRoll)
	fmt.Fprintln(a.out, "Configuration OK")
	return nil
}

// RunReplay feeds every recorded frame in ReplayDir through the pipeline and
// writes the resulting world map.
func (a *App) RunReplay() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.shutdown()

	files, err := perception.ListFrameFiles(a.ReplayDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no frame-*.png or frame-*.json files found in %s", a.ReplayDir)
	}
	fmt.Fprintf(a.out, "Found %d frame(s)\n", len(files))

	ctx := context.Background()
	processed, closed := 0, 0
	for _, file := range files {
		frame, err := perception.ParseFrameFile(file)
		if err != nil {
			zap.S().Warnf("Skipping %v", err)
			continue
		}
		sum := perception.SummarizeFrame(frame)
		zap.S().Debugf("Replaying %s: %dx%d at (%.1f, %.1f) yaw %.1f",
			file, sum.Width, sum.Height, sum.Pose.X, sum.Pose.Y, sum.Pose.Yaw)
		report, err := a.processFrame(ctx, frame)
		if err != nil {
			zap.S().Warnf("Skipping %s: %v", file, err)
			continue
		}
		processed++
		if !report.GateOpen {
			closed++
		}
	}

	stats := a.State.World().Stats()
	fmt.Fprintf(a.out, "Processed %d frame(s), %d with the pose gate closed\n", processed, closed)
	fmt.Fprintf(a.out, "Mapped %d cells (%.1f%%), navigable %d, target %d\n",
		stats.Mapped, stats.Fraction*100, stats.Navigable, stats.Targets)
	if r, ok := a.State.LatestReport(); ok && r.SteerDeg != nil {
		fmt.Fprintf(a.out, "Last steering: %.1f°\n", *r.SteerDeg)
	}

	if a.OutputFile != "" {
		if err := a.writeWorldMap(a.OutputFile, a.RenderFormat); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved world map to %s\n", a.OutputFile)
	}
	return nil
}

// writeWorldMap renders the current world map and trail to path.
func (a *App) writeWorldMap(path, format string) error {
	snap := a.State.World().Snapshot()
	trail := a.State.Trail()

	switch strings.ToLower(format) {
	case "", "raster", "png":
		return perception.SavePNG(path, perception.NewMapRenderer().Render(snap, trail))
	case "vector", "svg":
		return writeFile(path, func(w io.Writer) error {
			return perception.NewVectorRenderer().RenderToSVG(w, snap, trail)
		})
	case "vector-png":
		return writeFile(path, func(w io.Writer) error {
			return perception.NewVectorRenderer().RenderToPNG(w, snap, trail)
		})
	case "geojson":
		return writeFile(path, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(perception.WorldMapToGeoJSON(snap, trail, perception.DefaultTrackTolerance))
		})
	}
	return fmt.Errorf("unknown render format %q (want raster, vector, vector-png or geojson)", format)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// RunService starts the long-running modes: MQTT frame consumption, HTTP
// frame polling and the HTTP server, until SIGINT/SIGTERM.
func (a *App) RunService() error {
	fmt.Fprintln(a.out, "Starting roverscope service...")

	if err := a.setup(); err != nil {
		return err
	}
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mqttCfg perception.MQTTConfig
	if a.MqttMode {
		mqttCfg = perception.ResolveMQTTConfig(a.Config.MQTT)
		client, err := perception.InitMQTT(mqttCfg, a.handleFrame)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = newPublisher(client.GetClient(), mqttCfg, a.Config.VehicleID)
		zap.S().Info("[MQTT] Navigation publisher initialized")
	}

	frameURL := a.FrameURL
	if frameURL == "" {
		frameURL = a.Config.FrameURL
	}
	if frameURL != "" {
		go a.pollFrames(ctx, frameURL, a.PollInterval)
	}

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.State, a.MissionLog, a.Publisher),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zap.S().Infof("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Errorf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	if a.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Subscribed topic: %s\n", mqttCfg.FrameTopic)
		fmt.Fprintf(a.out, "  Publishing to: %s/navigation, %s/pose\n", mqttCfg.PublishPrefix, mqttCfg.PublishPrefix)
	}
	if frameURL != "" {
		fmt.Fprintf(a.out, "\nPolling frames from %s every %s\n", frameURL, a.PollInterval)
	}
	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.out, "  GET /health            - Health check")
		fmt.Fprintln(a.out, "  GET /worldmap.png      - World map with vehicle trail")
		fmt.Fprintln(a.out, "  GET /worldmap.svg      - Vector world map")
		fmt.Fprintln(a.out, "  GET /worldmap.geojson  - World map as GeoJSON")
		fmt.Fprintln(a.out, "  GET /vision.png        - Latest vision buffer")
		fmt.Fprintln(a.out, "  GET /rectified.png     - Latest rectified frame")
		fmt.Fprintln(a.out, "  GET /summary.json      - Latest cycle report and map statistics")
		fmt.Fprintln(a.out, "  GET /cycles.json       - Recent cycles from the mission log")
	}
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Fprintln(a.out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnf("[HTTP] Shutdown: %v", err)
		}
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}

// newPublisher builds the navigation publisher with the configured QoS and
// retain flag.
func newPublisher(client mqtt.Client, cfg perception.MQTTConfig, vehicleID string) *perception.Publisher {
	p := perception.NewPublisher(client, cfg.PublishPrefix, vehicleID)
	p.SetQoS(cfg.QoS)
	p.SetRetain(cfg.Retain)
	return p
}

// pollFrames fetches a frame every interval until ctx is done.
func (a *App) pollFrames(ctx context.Context, url string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, err := a.fetch(ctx, url)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			zap.S().Warnf("[HTTP] Frame poll failed: %v", err)
		default:
			if _, err := a.processFrame(ctx, frame); err != nil && ctx.Err() == nil {
				zap.S().Warnf("[HTTP] Polled frame: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
