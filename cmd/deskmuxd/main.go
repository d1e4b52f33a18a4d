// Deskmuxd is the remote-access gateway daemon. It accepts protocol
// connections on a TCP listener and routes each one to a new or an existing
// session (see the gateway package). The build ships with the echo protocol
// backend registered; deployments add real protocol drivers the way
// database/sql drivers are added, with a blank import.
//
// Configuration resolves in layers: compiled defaults, then the YAML file
// named by --config, then DESKMUX_* environment variables (a .env file in
// the working directory is loaded into the environment first when present).
// The --listen and --per-session-process flags override the result for
// quick experiments.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/profile"
	"github.com/spf13/pflag"

	"github.com/deskmux/deskmux/directory"
	"github.com/deskmux/deskmux/directory/memorydir"
	"github.com/deskmux/deskmux/directory/redisdir"
	"github.com/deskmux/deskmux/gateway"

	// Protocol drivers register themselves at init.
	_ "github.com/deskmux/deskmux/backend/echo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		listen       string
		perProcess   bool
		profileMode  string
		listSessions bool
		logLevel     string
		logJSON      bool
		workerMode   bool
		workerProto  string
	)

	fs := pflag.NewFlagSet("deskmuxd", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVarP(&listen, "listen", "l", "", "TCP listen address (overrides config)")
	fs.BoolVar(&perProcess, "per-session-process", false, "isolate each session in its own child process")
	fs.StringVar(&profileMode, "profile", "", "write a profile for this run: cpu or mem")
	fs.BoolVar(&listSessions, "list-sessions", false, "list live sessions from the directory and exit")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	fs.BoolVar(&logJSON, "log-json", false, "emit JSON log records")
	// Internal flags the gateway passes when re-exec'ing itself as a
	// per-session worker.
	fs.BoolVar(&workerMode, "worker", false, "run as a session worker child")
	fs.StringVar(&workerProto, "protocol", "", "protocol for the worker child")
	_ = fs.MarkHidden("worker")
	_ = fs.MarkHidden("protocol")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// A .env in the working directory feeds the env layer of the config;
	// running without one is normal.
	_ = godotenv.Load()

	log, err := newLogger(logLevel, logJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if workerMode {
		return gateway.WorkerMain(ctx, workerProto, log)
	}

	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if perProcess {
		cfg.PerSessionProcess = true
	}

	dir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	if listSessions {
		return printSessions(ctx, dir)
	}

	switch profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.MemProfileAllocs).Stop()
	default:
		return fmt.Errorf("unknown profile mode %q: want cpu or mem", profileMode)
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(cfg.PidFile)
	}

	srv, err := gateway.New(cfg,
		gateway.WithLogger(log),
		gateway.WithSessionDirectory(dir),
	)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func newLogger(level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// openDirectory builds the session directory the config names. The memory
// directory confines discovery to this process; redis shares it across a
// gateway fleet.
func openDirectory(cfg gateway.Config) (directory.Directory, error) {
	switch cfg.Directory {
	case gateway.DirectoryRedis:
		d, err := redisdir.NewFromEnv()
		if err != nil {
			return nil, fmt.Errorf("opening redis directory: %w", err)
		}
		return d, nil
	default:
		return memorydir.New(), nil
	}
}

// printSessions renders the directory's view of live sessions. With the
// default in-memory directory the view is empty from a fresh process; the
// command is for redis deployments, where it covers the whole fleet.
func printSessions(ctx context.Context, dir directory.Directory) error {
	recs, err := dir.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Created.Before(recs[j].Created) })

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPROTOCOL\tNODE\tUSERS\tAGE\tIDLE")
	now := time.Now()
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Protocol, rec.Node, rec.Users,
			now.Sub(rec.Created).Round(time.Second),
			now.Sub(rec.LastActive).Round(time.Second))
	}
	return tw.Flush()
}
