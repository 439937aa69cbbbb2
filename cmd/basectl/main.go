package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	svc "github.com/kardianos/service"

	"hexbase/control/pkg/clock"
	cfgpkg "hexbase/control/pkg/config"
	"hexbase/control/pkg/logging"
	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/resolve"
	"hexbase/control/pkg/session"
	"hexbase/control/pkg/transport"
)

var version = "0.1.0"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

type options struct {
	cfg        cfgpkg.ClientConfig
	configPath string
	svcCmd     string
	svcName    string
}

func main() {
	closer := logging.Setup("basectl")
	code := realMain(os.Args[1:])
	_ = closer.Close()
	os.Exit(code)
}

func realMain(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		log.Printf("%v", err)
		return exitUsage
	}

	// Service control path
	if opts.svcCmd != "" {
		if err := handleServiceCmd(opts); err != nil {
			log.Printf("service %s failed: %v", opts.svcCmd, err)
			return exitFailure
		}
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts.cfg); err != nil {
		log.Printf("session failed: %v", err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

// parseArgs loads the config file (default config/client.json) and lets
// flags and a positional host:port override it.
func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("basectl", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default config/client.json)")
	addr := fs.String("url", "", "base address host:port, e.g. 127.0.0.1:8439 (env BASECTL_ADDR or config)")
	timeout := fs.Duration("timeout", 0, "end the session after this long; 0 runs until interrupted")
	rate := fs.String("rate", "", "status report frequency in Hz: 1|10|50|100|250|500|1000")
	velocityFile := fs.String("velocity-file", "", "JSON file with speed_x/speed_y/speed_z, reloaded on change")
	ptp := fs.String("ptp", "", "PTP clock device for telemetry timestamps, e.g. /dev/ptp0")
	svcCmd := fs.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := fs.String("svcname", "BaseControl", "service name")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *showVersion {
		fmt.Println(version)
		return options{}, flag.ErrHelp
	}

	cfg, err := cfgpkg.LoadClientConfig(*configPath)
	if err != nil {
		return options{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["url"] {
		cfg.Addr = strings.TrimSpace(*addr)
	}
	if fs.NArg() > 0 {
		cfg.Addr = strings.TrimSpace(fs.Arg(0))
	}
	if set["timeout"] {
		cfg.Timeout = cfgpkg.Duration{Duration: *timeout}
	}
	if set["rate"] {
		cfg.ReportFrequency = *rate
	}
	if set["velocity-file"] {
		cfg.VelocityFile = *velocityFile
	}
	if set["ptp"] {
		cfg.PTPDevice = *ptp
	}
	if *svcCmd == "" || strings.EqualFold(*svcCmd, "run") {
		if err := cfg.Validate(); err != nil {
			return options{}, fmt.Errorf("%w: %v", errUsage, err)
		}
	}
	if _, err := proto.ParseReportFrequency(cfg.ReportFrequency); err != nil {
		return options{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return options{cfg: cfg, configPath: *configPath, svcCmd: *svcCmd, svcName: *svcName}, nil
}

// run connects, runs one session, and returns after the connection is
// closed.
func run(ctx context.Context, cfg cfgpkg.ClientConfig) error {
	rate, err := proto.ParseReportFrequency(cfg.ReportFrequency)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	src, err := clock.New(cfg.PTPDevice)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	defer src.Close()
	if logging.IsDebug() {
		log.Printf("[BOOT] version=%s clock=%s", version, src.Name())
	}

	speed := proto.XYZSpeed{SpeedX: cfg.Speed.X, SpeedY: cfg.Speed.Y, SpeedZ: cfg.Speed.Z}
	var vel session.VelocitySource = session.ConstantVelocity(speed)
	if cfg.VelocityFile != "" {
		fv, err := session.WatchVelocityFile(cfg.VelocityFile, speed)
		if err != nil {
			return fmt.Errorf("%w: watch velocity file: %w", errUsage, err)
		}
		defer fv.Close()
		vel = fv
	}

	dialOpts := transport.DialOptions{Timeout: cfg.DialTimeout.Duration}
	if len(cfg.DNSServers) > 0 {
		dialOpts.Resolver = resolve.NewResolver(cfg.DNSServers, 2*time.Second, time.Minute)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout.Duration)
	tr, err := transport.Dial(dialCtx, cfg.Addr, dialOpts)
	cancel()
	if err != nil {
		return err
	}
	log.Printf("connected to %s", cfg.Addr)

	s := session.New(tr, session.Options{
		ReportFrequency: rate,
		Settle:          cfg.Settle.Duration,
		Cadence:         cfg.Cadence.Duration,
		Timeout:         cfg.Timeout.Duration,
		ShutdownBudget:  cfg.ShutdownBudget.Duration,
		Velocity:        vel,
		Observer:        session.LogObserver{Debug: logging.IsDebug()},
		Clock:           src,
	})
	err = s.Run(ctx)
	log.Printf("session ended: cause=%s sent=%d", s.Cause(), s.Sent())
	return err
}

// ---- Service integration ----
type program struct {
	cfg    cfgpkg.ClientConfig
	cancel context.CancelFunc
	done   chan struct{}
	// exit ends the process when the session stops on its own, so the
	// service manager sees the failure and can restart it.
	exit func(code int)
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	if p.exit == nil {
		p.exit = os.Exit
	}
	go func() {
		err := run(ctx, p.cfg)
		stopped := ctx.Err() != nil
		close(p.done)
		if stopped {
			// Stop asked for this
			return
		}
		code := exitOK
		if err != nil {
			log.Printf("session failed: %v", err)
			code = exitFailure
			if errors.Is(err, errUsage) {
				code = exitUsage
			}
		}
		log.Printf("session ended without a stop request, exiting with %d", code)
		p.exit(code)
	}()
	return nil
}

// Stop cancels the session and waits for it to release control.
func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("session did not stop in time")
	}
	return nil
}

func handleServiceCmd(opts options) error {
	args := []string{"-service", "run"}
	if opts.configPath != "" {
		abs, err := filepath.Abs(opts.configPath)
		if err != nil {
			return err
		}
		args = append(args, "-config", abs)
	}
	if opts.cfg.Addr != "" {
		args = append(args, "-url", opts.cfg.Addr)
	}
	cfg := &svc.Config{
		Name:        opts.svcName,
		DisplayName: opts.svcName,
		Description: "Robot base remote-control session",
		Arguments:   args,
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true},
	}
	p := &program{cfg: opts.cfg}
	s, err := svc.New(p, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(opts.svcCmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", opts.svcCmd)
	}
}
