// Command portsweep is the CLI entrypoint for the scanning engine
// described in SPEC_FULL.md §6: one urfave/cli Command per core
// operation (scan, stop, status, history), backed directly by
// internal/dispatcher and internal/storage. This binary is the
// out-of-scope "thin CLI" collaborator; all correctness lives in the
// packages it wires together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/runZeroInc/portsweep/internal/config"
	"github.com/runZeroInc/portsweep/internal/dispatcher"
	"github.com/runZeroInc/portsweep/internal/metrics"
	"github.com/runZeroInc/portsweep/internal/probe"
	"github.com/runZeroInc/portsweep/internal/probe/syn"
	"github.com/runZeroInc/portsweep/internal/scanlog"
	"github.com/runZeroInc/portsweep/internal/storage"
	"github.com/runZeroInc/portsweep/internal/tcpinfo"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeError carries the §6 exit-code contract (1 config, 2 runtime,
// 3 privilege) through the urfave/cli error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if e, ok := err.(*exitCodeError); ok {
		return e.code
	}
	return 1
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "portsweep"
	app.Usage = "TCP port liveness discovery across IPv4/IPv6 ranges"
	app.Commands = []cli.Command{
		scanCommand(),
		stopCommand(),
		statusCommand(),
		historyCommand(),
	}
	return app
}

func scanFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "start-ip", Usage: "first address in the scan range (inclusive)"},
		cli.StringFlag{Name: "end-ip", Usage: "last address in the scan range (inclusive)"},
		cli.StringFlag{Name: "ports", Usage: `port set, e.g. "22,80,8000-8100"`},
		cli.IntFlag{Name: "timeout", Value: 1000, Usage: "per-probe timeout in milliseconds"},
		cli.IntFlag{Name: "concurrency", Value: 100, Usage: "in-flight probe ceiling"},
		cli.StringFlag{Name: "database", Value: "portsweep.db", Usage: "path to the sqlite segment store"},
		cli.BoolFlag{Name: "loop-mode", Usage: "start a new round automatically after each completes"},
		cli.BoolFlag{Name: "ipv4", Usage: "scan the IPv4 family (default)"},
		cli.BoolFlag{Name: "ipv6", Usage: "scan the IPv6 family"},
		cli.Float64Flag{Name: "rate-limit", Usage: "global probes/second ceiling; 0 means unlimited"},
		cli.BoolFlag{Name: "syn", Usage: "use the half-open SYN backend instead of connect()"},
		cli.StringFlag{Name: "source-ip", Usage: "source address for SYN probes (required with --syn)"},
		cli.IntFlag{Name: "max-retries", Value: 3, Usage: "per-probe retry ceiling before classifying Filtered"},
		cli.IntFlag{Name: "checkpoint-every", Value: 100, Usage: "addresses between checkpoint writes"},
		cli.StringFlag{Name: "metrics-addr", Usage: "if set, serve Prometheus metrics on this address"},
		cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
	}
}

func scanCommand() cli.Command {
	return cli.Command{
		Name:  "scan",
		Usage: "run one scanning round to completion (or forever with --loop-mode)",
		Flags: scanFlags(),
		Action: func(c *cli.Context) error {
			return runScan(c)
		},
	}
}

func buildConfigFromFlags(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()

	startIP, err := parseAddr(c.String("start-ip"))
	if err != nil {
		return cfg, &exitCodeError{code: 1, err: fmt.Errorf("--start-ip: %w", err)}
	}
	endIP, err := parseAddr(c.String("end-ip"))
	if err != nil {
		return cfg, &exitCodeError{code: 1, err: fmt.Errorf("--end-ip: %w", err)}
	}
	cfg.StartIP, cfg.EndIP = startIP, endIP

	if c.Bool("ipv6") {
		cfg.Family = config.FamilyV6
	} else {
		cfg.Family = config.FamilyV4
	}

	ports, err := config.ParsePorts(c.String("ports"))
	if err != nil {
		return cfg, &exitCodeError{code: 1, err: err}
	}
	cfg.Ports = ports

	cfg.Timeout = msToDuration(c.Int("timeout"))
	cfg.Concurrency = c.Int("concurrency")
	cfg.RateLimit = c.Float64("rate-limit")
	cfg.Database = c.String("database")
	cfg.LoopMode = c.Bool("loop-mode")
	cfg.UseSYN = c.Bool("syn")
	cfg.Verbose = c.Bool("verbose")
	cfg.MaxRetries = c.Int("max-retries")
	cfg.CheckpointEvery = c.Int("checkpoint-every")
	cfg.MetricsAddr = c.String("metrics-addr")

	if err := cfg.Validate(); err != nil {
		return cfg, &exitCodeError{code: 1, err: err}
	}
	return cfg, nil
}

func runScan(c *cli.Context) error {
	cfg, err := buildConfigFromFlags(c)
	if err != nil {
		return err
	}

	log := scanlog.New(cfg.Verbose)

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return &exitCodeError{code: 2, err: err}
	}
	defer store.Close()

	pidPath := cfg.Database + ".pid"
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.WithError(err).Warn("failed to write pidfile; `stop` will not find this process")
	}
	defer os.Remove(pidPath)

	collector := metrics.New(prometheus.Labels{})
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.WithError(err).Warn("metrics server exited")
			}
		}()
	}

	var sourceIP string
	if c.IsSet("source-ip") {
		sourceIP = c.String("source-ip")
	}

	newProber := func(family storage.Family) (probe.Prober, error) {
		if !cfg.UseSYN {
			cp := probe.NewConnectProber(nil)
			cp.OnTCPInfo = func(addr netip.Addr, port int, info *tcpinfo.TCPInfo) {
				collector.RecordConnectInfo(time.Duration(info.RTT)*time.Microsecond, info.TotalRetrans)
			}
			return cp, nil
		}
		src, err := parseAddr(sourceIP)
		if err != nil {
			return nil, &exitCodeError{code: 3, err: fmt.Errorf("--source-ip required for --syn: %w", err)}
		}
		var p probe.Prober
		if family == storage.IPv6 {
			p, err = syn.New(emptyAddr(), src)
		} else {
			p, err = syn.New(src, emptyAddr())
		}
		if err != nil {
			return nil, &exitCodeError{code: 3, err: fmt.Errorf("syn backend requires CAP_NET_RAW: %w", err)}
		}
		return p, nil
	}

	d := dispatcher.New(store, collector, log, newProber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping")
		d.Stop()
		cancel()
	}()

	dispatchCfg := dispatcher.Config{
		StartIP:         cfg.StartIP,
		EndIP:           cfg.EndIP,
		Family:          toStorageFamily(cfg.Family),
		Ports:           cfg.Ports,
		Timeout:         cfg.Timeout,
		Concurrency:     cfg.Concurrency,
		RateLimit:       cfg.RateLimit,
		MaxRetries:      cfg.MaxRetries,
		CheckpointEvery: cfg.CheckpointEvery,
		LoopMode:        cfg.LoopMode,
	}

	if err := d.Start(ctx, dispatchCfg); err != nil {
		if ece, ok := err.(*exitCodeError); ok {
			return ece
		}
		return &exitCodeError{code: 2, err: err}
	}

	for d.Status().IsRunning {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

func stopCommand() cli.Command {
	return cli.Command{
		Name:  "stop",
		Usage: "request cooperative shutdown of a running scan process via its pidfile",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "database", Value: "portsweep.db", Usage: "database path the scan was started against"},
		},
		Action: func(c *cli.Context) error {
			pidPath := c.String("database") + ".pid"
			data, err := os.ReadFile(pidPath)
			if err != nil {
				return &exitCodeError{code: 2, err: fmt.Errorf("no running scan found (%s): %w", pidPath, err)}
			}
			pid, err := strconv.Atoi(string(data))
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			return proc.Signal(syscall.SIGTERM)
		},
	}
}

func statusCommand() cli.Command {
	return cli.Command{
		Name:  "status",
		Usage: "print the current round's progress and aggregate stats",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "database", Value: "portsweep.db", Usage: "database path to read"},
		},
		Action: func(c *cli.Context) error {
			store, err := storage.Open(c.String("database"), storage.WithReadOnly(true))
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			defer store.Close()

			ctx := context.Background()
			current, ok, err := store.GetMetadata(ctx, "current_round")
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			if !ok {
				fmt.Println(`{"is_running":false,"current_round":0}`)
				return nil
			}
			var round int64
			if _, err := fmt.Sscanf(current, "%d", &round); err != nil {
				return &exitCodeError{code: 2, err: fmt.Errorf("parse current_round: %w", err)}
			}

			_, hasStatus, err := store.GetMetadata(ctx, fmt.Sprintf("round:%d:status", round))
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			stats, err := store.Aggregate(ctx, round)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			fmt.Printf("{\"is_running\":%t,\"current_round\":%d,\"total_open_records\":%d,\"unique_ips\":%d}\n",
				!hasStatus, round, stats.TotalOpenRecords, stats.UniqueIPs)
			return nil
		},
	}
}

func historyCommand() cli.Command {
	return cli.Command{
		Name:  "history",
		Usage: "list completed rounds in reverse chronological order",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "database", Value: "portsweep.db", Usage: "database path to read"},
		},
		Action: func(c *cli.Context) error {
			store, err := storage.Open(c.String("database"), storage.WithReadOnly(true))
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			defer store.Close()

			d := dispatcher.New(store, nil, scanlog.New(false), nil)
			rounds, err := d.History(context.Background())
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			for _, r := range rounds {
				fmt.Printf("round=%d status=%s start=%s end=%s\n", r.Round, r.Status, r.StartTime, r.EndTime)
			}
			return nil
		},
	}
}

func toStorageFamily(f config.Family) storage.Family {
	if f == config.FamilyV6 {
		return storage.IPv6
	}
	return storage.IPv4
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// parseAddr parses a dotted-quad or colon-hex address into a netip.Addr,
// normalizing IPv4-in-IPv6 forms the same way the rest of the core does.
func parseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

// emptyAddr returns the invalid zero netip.Addr, used to disable one
// family of the SYN prober's dual-stack source-address pair.
func emptyAddr() netip.Addr {
	return netip.Addr{}
}
