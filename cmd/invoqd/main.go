// Command invoqd serves the function invocation plane over HTTP. It
// loads function definitions and backend wiring from a YAML file, then
// exposes invoke, info and discovery endpoints plus health checks.
//
// Usage:
//
//	invoqd [-config invoqd.yaml] [-addr :8080] [-debug]
//
// Without a configuration file the daemon boots self-contained: memory
// code storage, in-process rate limits, no model provider. Redis, Mongo
// and a model provider upgrade the corresponding components when
// configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
)

func main() {
	var (
		configF = flag.String("config", "", "path to the YAML configuration file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
		dbgF    = flag.Bool("debug", false, "log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "failed to wire components")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	handleHTTPServer(ctx, a, *dbgF, &wg, errc)
	a.startFlushLoop(ctx)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration())
	defer scancel()
	a.shutdown(sctx)
	log.Printf(ctx, "exited")
}

// handleHTTPServer starts the HTTP listener and shuts it down when ctx
// is cancelled. Fatal serve errors land on errc.
func handleHTTPServer(ctx context.Context, a *app, dbg bool, wg *sync.WaitGroup, errc chan error) {
	if dbg {
		debug.MountDebugLogEnabler(a.mux)
		debug.MountPprofHandlers(a.mux)
	}

	var handler http.Handler = a.mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", a.cfg.Server.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", a.cfg.Server.Addr)
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace.Duration())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
