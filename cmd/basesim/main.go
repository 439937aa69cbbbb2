package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"hexbase/control/pkg/basesim"
	"hexbase/control/pkg/config"
	"hexbase/control/pkg/logging"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/basesim.json", "simulator config file (json), priority: env > file > default")
	flag.Parse()

	closer := logging.Setup("basesim")
	defer closer.Close()

	cfg, err := config.LoadSimConfig(cfgPath)
	if err != nil {
		log.Printf("config load warning: %v", err)
		cfg, _ = config.LoadSimConfig("")
	}

	base := basesim.New(cfg)
	srv := &http.Server{Addr: cfg.Addr, Handler: base.Handler()}
	log.Printf("basesim listening on %s (robot=%s protocol=%d.%d)", cfg.Addr, cfg.RobotType, cfg.ProtocolMajorVersion, cfg.ProtocolMinorVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// hot reload watcher
	if cfgPath != "" {
		go watchConfig(ctx, cfgPath, base)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: %v", err)
			closer.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Printf("basesim stopped")
	}
}

func watchConfig(ctx context.Context, path string, base *basesim.Base) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("watcher error: %v", err)
		return
	}
	defer w.Close()
	abs, e := filepath.Abs(path)
	if e != nil {
		log.Printf("abs path error: %v", e)
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		log.Printf("watch add error: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			sc, err := config.LoadSimConfig(abs)
			if err != nil {
				log.Printf("reload config failed: %v", err)
				continue
			}
			// the listen address is fixed for the process lifetime
			base.Reconfigure(sc)
			log.Printf("config reloaded: %s", abs)
		case err := <-w.Errors:
			log.Printf("watch error: %v", err)
		}
	}
}
