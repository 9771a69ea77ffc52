package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	eventspulse "github.com/invoqio/invoq/features/events/pulse"
	pulseclient "github.com/invoqio/invoq/features/events/pulse/clients/pulse"
	"github.com/invoqio/invoq/features/model/anthropic"
	"github.com/invoqio/invoq/features/model/bedrock"
	"github.com/invoqio/invoq/features/model/middleware"
	"github.com/invoqio/invoq/features/model/openai"
	ratelimitredis "github.com/invoqio/invoq/features/ratelimit/redis"
	storemongo "github.com/invoqio/invoq/features/store/mongo"
	storeredis "github.com/invoqio/invoq/features/store/redis"
	"github.com/invoqio/invoq/runtime/agentic"
	"github.com/invoqio/invoq/runtime/codestore"
	"github.com/invoqio/invoq/runtime/compilecache"
	"github.com/invoqio/invoq/runtime/events"
	"github.com/invoqio/invoq/runtime/executor"
	"github.com/invoqio/invoq/runtime/httpapi"
	"github.com/invoqio/invoq/runtime/model"
	"github.com/invoqio/invoq/runtime/ratelimit"
	"github.com/invoqio/invoq/runtime/registry"
	"github.com/invoqio/invoq/runtime/telemetry"
	"github.com/invoqio/invoq/runtime/trace"
	"github.com/invoqio/invoq/runtime/trace/export"
)

// Redis key namespaces. One Redis can host several planes as long as
// each daemon uses a distinct root.
const (
	codeKeyPrefix    = "invoq:code:"
	ipLimitPrefix    = "invoq:rl:ip:"
	fnLimitPrefix    = "invoq:rl:fn:"
	throttleRmapName = "invoq:model:tpm"
)

// app holds the wired daemon: the HTTP surface, the tracer feeding the
// flush loop, and the teardown list in acquisition order.
type app struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  *trace.Tracer
	mux     *http.ServeMux
	closers []func(context.Context) error
}

// buildApp wires every component from the configuration. Components
// default to their in-process forms and upgrade to the shared backends
// as the configuration provides them.
func buildApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewClueMetrics(),
	}
	var pingers []health.Pinger

	// Redis backs the code KV, the rate limiter, the event streams and
	// the model throttle's cluster map. One connection serves them all.
	var rdb *goredis.Client
	if cfg.Redis.URL != "" {
		opt, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = goredis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	var kv codestore.KV = codestore.NewMemoryKV()
	if rdb != nil {
		rkv, err := storeredis.New(storeredis.Options{Client: rdb, KeyPrefix: codeKeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("build redis code store: %w", err)
		}
		kv = rkv
		pingers = append(pingers, rkv)
	}

	var objects codestore.ObjectStore = codestore.NewMemoryObjects()
	if cfg.Mongo.URI != "" {
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		a.closers = append(a.closers, mcli.Disconnect)
		mstore, err := storemongo.New(storemongo.Options{Client: mcli, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, fmt.Errorf("build mongo object store: %w", err)
		}
		objects = mstore
		pingers = append(pingers, mstore)
	}

	store, err := codestore.New(codestore.Options{KV: kv, Objects: objects})
	if err != nil {
		return nil, fmt.Errorf("build code store: %w", err)
	}

	cache, err := compilecache.New(compilecache.Options{
		Capacity: cfg.Executor.CacheCapacity,
		TTL:      cfg.Executor.CacheTTL.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("build compile cache: %w", err)
	}
	exec, err := executor.New(store,
		executor.WithCache(cache),
		executor.WithLogger(a.logger),
		executor.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	reg := registry.New(
		registry.WithLogger(a.logger),
		registry.WithDefinitions(cfg.Functions...),
	)

	sink, err := a.buildEventSink(rdb)
	if err != nil {
		return nil, err
	}

	limiter, limitPinger, err := buildLimiter(cfg, rdb)
	if err != nil {
		return nil, err
	}
	if limitPinger != nil {
		pingers = append(pingers, limitPinger)
	}

	client, err := a.buildModelClient(ctx, rdb)
	if err != nil {
		return nil, err
	}

	a.tracer, err = buildTracer(cfg)
	if err != nil {
		return nil, err
	}

	serverOpts := []httpapi.ServerOption{
		httpapi.WithCodeInvoker(exec),
		httpapi.WithEventSink(sink),
		httpapi.WithLogger(a.logger),
		httpapi.WithMetrics(a.metrics),
	}
	if client != nil {
		agent, err := agentic.New(client,
			agentic.WithCodeExecutor(exec),
			agentic.WithDefinitionSource(reg),
			agentic.WithEventSink(sink),
			agentic.WithLogger(a.logger),
			agentic.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("build agentic executor: %w", err)
		}
		serverOpts = append(serverOpts, httpapi.WithAgenticInvoker(agent))
	}
	server, err := httpapi.NewServer(reg, serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	var mws []httpapi.Middleware
	if a.tracer != nil {
		mws = append(mws, httpapi.Trace(a.tracer))
	}
	mws = append(mws, httpapi.RateLimit(limiter, a.logger))

	a.mux = http.NewServeMux()
	a.mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	a.mux.Handle("/livez", health.Handler(health.NewChecker()))
	a.mux.Handle("/", httpapi.Chain(server.Handler(), mws...))
	return a, nil
}

// buildEventSink returns the Pulse sink when events are enabled and the
// no-op sink otherwise. Validation already guaranteed Redis is
// configured when events are.
func (a *app) buildEventSink(rdb *goredis.Client) (events.Sink, error) {
	if !a.cfg.Events.Enabled {
		return events.NewNoopSink(), nil
	}
	cli, err := pulseclient.New(pulseclient.Options{
		Redis:            rdb,
		StreamMaxLen:     a.cfg.Events.StreamMaxLen,
		OperationTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build pulse client: %w", err)
	}
	sink, err := eventspulse.NewSink(eventspulse.Options{Client: cli})
	if err != nil {
		return nil, fmt.Errorf("build event sink: %w", err)
	}
	a.closers = append(a.closers, sink.Close)
	return sink, nil
}

// buildLimiter assembles the two-category limiter. The Redis backend
// gets one store per category so the key namespaces stay disjoint; the
// health check registers a single pinger since both ride the same
// connection.
func buildLimiter(cfg Config, rdb *goredis.Client) (*ratelimit.Limiter, health.Pinger, error) {
	ip := ratelimit.Category{
		Name: ratelimit.CategoryIP,
		Config: ratelimit.Config{
			Window:      cfg.Limits.PerIP.Window.Duration(),
			MaxRequests: cfg.Limits.PerIP.MaxRequests,
		},
	}
	fnCat := ratelimit.Category{
		Name: ratelimit.CategoryFunction,
		Config: ratelimit.Config{
			Window:      cfg.Limits.PerFunction.Window.Duration(),
			MaxRequests: cfg.Limits.PerFunction.MaxRequests,
		},
	}

	var pinger health.Pinger
	if cfg.Limits.Backend == LimitsRedis {
		ipStore, err := ratelimitredis.New(ratelimitredis.Options{Client: rdb, KeyPrefix: ipLimitPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("build ip limit store: %w", err)
		}
		fnStore, err := ratelimitredis.New(ratelimitredis.Options{Client: rdb, KeyPrefix: fnLimitPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("build function limit store: %w", err)
		}
		ip.Store, fnCat.Store = ipStore, fnStore
		pinger = ipStore
	} else {
		ip.Store = ratelimit.NewPool()
		fnCat.Store = ratelimit.NewPool()
	}

	limiter, err := ratelimit.New(ratelimit.Options{Categories: []ratelimit.Category{ip, fnCat}})
	if err != nil {
		return nil, nil, fmt.Errorf("build rate limiter: %w", err)
	}
	return limiter, pinger, nil
}

// buildModelClient constructs the provider adapter and wraps it with the
// TPM throttle when one is configured. Returns nil when the provider is
// none, which leaves agentic invocations disabled.
func (a *app) buildModelClient(ctx context.Context, rdb *goredis.Client) (model.Client, error) {
	var (
		cfg    = a.cfg.Model
		client model.Client
		err    error
	)
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderAnthropic:
		client, err = anthropic.NewFromAPIKey(cfg.APIKey(), anthropic.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
		})
	case ProviderOpenAI:
		client, err = openai.NewFromAPIKey(cfg.APIKey(), cfg.Model)
	case ProviderBedrock:
		awscfg, lerr := awsconfig.LoadDefaultConfig(ctx)
		if lerr != nil {
			return nil, fmt.Errorf("load aws config: %w", lerr)
		}
		client, err = bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awscfg),
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", cfg.Provider, err)
	}
	if cfg.TPMLimit <= 0 {
		return client, nil
	}

	topts := middleware.Options{InitialTPM: cfg.TPMLimit, MaxTPM: cfg.MaxTPM}
	if rdb != nil {
		m, err := rmap.Join(ctx, throttleRmapName, rdb)
		if err != nil {
			a.logger.Warn(ctx, "model throttle cluster map unavailable, staying process-local",
				"error", err.Error())
		} else {
			topts.Cluster = m
			topts.ClusterKey = cfg.Provider
		}
	}
	return middleware.NewThrottle(ctx, topts).Middleware()(client), nil
}

// buildTracer returns nil when tracing is off so callers can skip the
// middleware and the flush loop entirely.
func buildTracer(cfg Config) (*trace.Tracer, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}
	var exp trace.Exporter
	switch cfg.Tracing.Exporter {
	case ExporterConsole:
		exp = export.NewConsole(os.Stdout)
	case ExporterHTTP:
		e, err := export.NewHTTP(export.HTTPOptions{Endpoint: cfg.Tracing.Endpoint})
		if err != nil {
			return nil, fmt.Errorf("build trace exporter: %w", err)
		}
		exp = e
	case ExporterNone:
		exp = export.NewNoop()
	}
	tracer, err := trace.New(trace.Options{
		ServiceName: "invoqd",
		SampleRate:  cfg.Tracing.SampleRate,
		Exporter:    exp,
	})
	if err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}
	return tracer, nil
}

// startFlushLoop drains the tracer on a fixed cadence until ctx is
// cancelled. Shutdown performs the final drain.
func (a *app) startFlushLoop(ctx context.Context) {
	if a.tracer == nil {
		return
	}
	go func() {
		t := time.NewTicker(a.cfg.Tracing.FlushInterval.Duration())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.tracer.Flush(ctx)
			}
		}
	}()
}

// shutdown drains the tracer and releases every acquired resource in
// reverse order.
func (a *app) shutdown(ctx context.Context) {
	if a.tracer != nil {
		a.tracer.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn(ctx, "close failed", "error", err.Error())
		}
	}
}
