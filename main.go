package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	"DistMR/internal/grep"
	httpserver "DistMR/internal/http"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/storage"
	"DistMR/internal/worker"
)

type options struct {
	mode         string
	addr         string
	input        string
	statusPort   int
	gossipAddr   string
	exitWhenDone bool
	join         string
	tmpDir       string
	output       string
	job          string
	pattern      string
	logLevel     string
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "coordinator", "Mode: 'coordinator', 'worker', or 'local' to run the whole job in-process")
	flag.StringVar(&opts.addr, "addr", coordinator.DefaultConfig().Addr, "Coordinator task address")
	flag.StringVar(&opts.input, "input", filepath.Join("input_files", "*.txt"), "Glob of input files (coordinator, local)")
	flag.IntVar(&opts.statusPort, "status-port", 0, "Port for the HTTP status endpoint, 0 disables it (coordinator)")
	flag.StringVar(&opts.gossipAddr, "gossip-addr", "", "host:port to announce the coordinator on via gossip, empty disables it (coordinator)")
	flag.BoolVar(&opts.exitWhenDone, "exit-when-done", true, "Exit once the reduce task is complete (coordinator)")
	flag.StringVar(&opts.join, "join", "", "Comma separated gossip seeds used to find the coordinator instead of -addr (worker)")
	flag.StringVar(&opts.tmpDir, "tmp-dir", os.TempDir(), "Directory for map results (worker)")
	flag.StringVar(&opts.output, "output", "result.json", "Final result path (worker, local)")
	flag.StringVar(&opts.job, "job", "wordcount", "Job to run: 'wordcount' or 'grep'")
	flag.StringVar(&opts.pattern, "pattern", "", "Regular expression for the grep job")
	flag.StringVar(&opts.logLevel, "log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	lg := logger.New(opts.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch opts.mode {
	case "coordinator":
		err = runCoordinator(ctx, opts, lg)
	case "worker":
		err = runWorker(ctx, opts, lg)
	case "local":
		err = runLocal(opts, lg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", opts.mode)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", opts.mode, err)
	}
}

func newMapper(opts options) (mapreduce.Mapper, error) {
	switch opts.job {
	case "wordcount":
		return mapreduce.WordCount{}, nil
	case "grep":
		return grep.New(opts.pattern)
	default:
		return nil, fmt.Errorf("unknown job %q", opts.job)
	}
}

func runCoordinator(ctx context.Context, opts options, lg *logger.Logger) error {
	units, err := storage.DiscoverInputs(opts.input)
	if err != nil {
		return err
	}
	lg.Info("Discovered input files: pattern=%s count=%d", opts.input, len(units))

	c, err := coordinator.New(coordinator.Config{Addr: opts.addr}, units, lg)
	if err != nil {
		return err
	}
	if err := c.Listen(); err != nil {
		return err
	}
	defer c.Close()

	if opts.gossipAddr != "" {
		host, portStr, err := net.SplitHostPort(opts.gossipAddr)
		if err != nil {
			return fmt.Errorf("invalid gossip address %q: %w", opts.gossipAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid gossip port %q: %w", portStr, err)
		}
		announcer, err := discovery.NewAnnouncer(discovery.Config{BindAddr: host, BindPort: port}, c.Addr(), lg)
		if err != nil {
			return err
		}
		defer func() {
			announcer.Leave(time.Second)
			announcer.Shutdown()
		}()
	}

	if opts.statusPort > 0 {
		server := httpserver.NewServer(httpserver.ServerOpts{ID: "coordinator", Port: opts.statusPort}, c, lg)
		go func() {
			if err := server.Start(); err != nil {
				lg.Error("Status server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.exitWhenDone {
		go func() {
			select {
			case <-c.Done():
				cancel()
			case <-serveCtx.Done():
			}
		}()
	}

	return c.Serve(serveCtx)
}

func runWorker(ctx context.Context, opts options, lg *logger.Logger) error {
	mapper, err := newMapper(opts)
	if err != nil {
		return err
	}

	cfg := worker.DefaultConfig()
	cfg.CoordinatorAddr = opts.addr
	cfg.TempDir = opts.tmpDir
	cfg.OutputPath = opts.output
	if opts.join != "" {
		cfg.JoinAddrs = strings.Split(opts.join, ",")
	}

	w, err := worker.New(cfg, mapper, lg)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func runLocal(opts options, lg *logger.Logger) error {
	mapper, err := newMapper(opts)
	if err != nil {
		return err
	}
	units, err := storage.DiscoverInputs(opts.input)
	if err != nil {
		return err
	}

	files := make([]string, len(units))
	for i, u := range units {
		files[i] = u.Location
	}

	result, err := mapreduce.NewEngine(4).Execute(files, mapper)
	if err != nil {
		return err
	}
	if err := storage.WriteJSON(opts.output, result); err != nil {
		return err
	}
	lg.Info("Local run complete: files=%d keys=%d output=%s", len(files), len(result), opts.output)
	return nil
}
