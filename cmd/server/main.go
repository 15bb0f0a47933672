package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/astromechza/schalter/pkg/clock"
	"github.com/astromechza/schalter/pkg/config"
	"github.com/astromechza/schalter/pkg/engine"
	"github.com/astromechza/schalter/pkg/hub"
	"github.com/astromechza/schalter/pkg/server"
	"github.com/astromechza/schalter/pkg/session"
	"github.com/astromechza/schalter/pkg/store"
	"github.com/astromechza/schalter/pkg/timers"
	"github.com/astromechza/schalter/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config file")
	databaseVar := flag.String("database", "", "the sqlite database path, overrides the config file")
	dumpVar := flag.Bool("dump-svg", false, "render the item state to an svg in the temp dir on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}
	if *databaseVar != "" {
		cfg.Database = *databaseVar
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", cfg.Database)
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := timers.New(clock.Real(), cfg.Timers.Workers)
	defer registry.Close()

	sessions := session.NewRegistry()
	e := engine.New(engine.Options{
		Store:           st,
		Timers:          registry,
		Sessions:        sessions,
		Hub:             hub.New(sessions),
		Clock:           clock.Real(),
		PersistAttempts: cfg.Persist.Attempts,
		PersistBackoff:  cfg.Persist.Backoff,
	})
	if err := e.Start(ctx, cfg.ItemKeys()); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	slog.Info("Started", "items", len(cfg.Items), "timers", registry.Len())

	router := server.NewRouter(ctx, e, st, server.Options{
		SendTimeout:    cfg.Connection.SendTimeout,
		SendQueueLimit: cfg.Connection.SendQueueLimit,
		MessageRate:    cfg.Connection.MessageRate,
		MessageBurst:   cfg.Connection.MessageBurst,
	})
	httpServer := &http.Server{Addr: cfg.Addr, Handler: router}

	var listenErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr = fmt.Errorf("server listen failed: %w", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	wg.Wait()
	// websocket handlers outlive Close and must finish before the store and
	// timers are closed by the deferred calls above
	router.Wait()
	if listenErr != nil {
		return listenErr
	}

	if *dumpVar {
		items, err := st.ListAll(context.Background())
		if err != nil {
			return fmt.Errorf("failed to load items for dump: %w", err)
		}
		if svgPath, err := viz.RenderToTemp(items); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+svgPath)
		}
	}
	return nil
}
