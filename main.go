package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time via -ldflags
var Version = "dev"

const defaultConfigFile = "config.yaml"

// AppOptions carries the parsed command line into the App.
type AppOptions struct {
	ConfigFile   string
	ValidateOnly bool
	ReplayDir    string
	OutputFile   string
	RenderFormat string
	FrameURL     string
	PollInterval time.Duration
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// Runner is the set of modes the CLI can dispatch to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunValidate() error
	RunReplay() error
	RunService() error
	ConfiguredFrameURL() (string, error)
}

func main() {
	err := run(os.Args[1:], os.Stdout, NewApp())
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "roverscope: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, installs the global logger and dispatches to one mode of app.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("roverscope", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.BoolVar(&opts.ValidateOnly, "validate", false, "Validate the configuration and calibration, then exit")
	fs.StringVar(&opts.ReplayDir, "replay", "", "Replay recorded frame-*.png / frame-*.json files from this directory and exit")
	fs.StringVar(&opts.OutputFile, "output", "worldmap.png", "World map output file for --replay")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "World map output format: raster, vector, vector-png, or geojson")
	fs.StringVar(&opts.FrameURL, "frame-url", "", "Poll frames from this HTTP endpoint (overrides frameUrl in config; a frameUrl in config starts polling on its own)")
	fs.DurationVar(&opts.PollInterval, "poll-interval", time.Second, "Interval between HTTP frame polls")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode: consume camera frames and publish navigation")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for map, vision and summary endpoints")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "console", "Log format: console or json")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "roverscope version: %s\n", Version)

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)

	app.ApplyOptions(opts)

	switch {
	case opts.ValidateOnly:
		return app.RunValidate()
	case opts.ReplayDir != "":
		return app.RunReplay()
	case opts.MqttMode || opts.HttpMode || opts.FrameURL != "":
		return app.RunService()
	}

	url, err := app.ConfiguredFrameURL()
	if err != nil {
		return err
	}
	if url != "" {
		fmt.Fprintf(out, "Polling frames from %s (frameUrl in config)\n", url)
		return app.RunService()
	}

	fmt.Fprintln(out, "roverscope: no mode selected")
	fmt.Fprintln(out, "Use --validate to check config.yaml and the rectification calibration")
	fmt.Fprintln(out, "Use --replay=DIR to run recorded frames through the perception cycle")
	fmt.Fprintln(out, "Use --mqtt to consume camera frames from the broker")
	fmt.Fprintln(out, "Use --frame-url=URL (or frameUrl in the config) to poll frames from a simulator endpoint")
	fmt.Fprintln(out, "Use --http to serve the world map, vision buffer and summaries")
	return nil
}

// newLogger builds a zap logger. format "json" selects the production
// encoder; anything else the development console encoder.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
