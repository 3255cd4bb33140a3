package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/orderguard/internal/cfg"
	"github.com/keithlinneman/orderguard/internal/cryptoutil"
	"github.com/keithlinneman/orderguard/internal/guard"
	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/health"
	"github.com/keithlinneman/orderguard/internal/httpmw"
	"github.com/keithlinneman/orderguard/internal/httpserver"
	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/metrics"
	"github.com/keithlinneman/orderguard/internal/opshttp"
	"github.com/keithlinneman/orderguard/internal/otelx"
	"github.com/keithlinneman/orderguard/internal/policy"
	"github.com/keithlinneman/orderguard/internal/prof"
	"github.com/keithlinneman/orderguard/internal/proxy"
	v "github.com/keithlinneman/orderguard/internal/version"
	"github.com/keithlinneman/orderguard/internal/wireorder"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

const appName = "orderguard"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var dotEnv string

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&dotEnv, "env-file", ".env", "optional .env file loaded before ORDERGUARD_* variables are applied")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi.String())
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(dotEnv); err != nil {
		fmt.Fprintln(os.Stderr, "env file error:", err)
		os.Exit(1)
	}

	// cli > env > default
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		RedactKeys:        cfg.SplitList(conf.LogRedactKeys),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	mode, _ := guard.ParseMode(conf.Mode)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.DirtyLabel(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"mode", mode,
		"block_when_attempts_reach", conf.BlockWhenAttemptsReach,
		"per_last_ms", conf.PerLastMilliseconds,
		"use_back_off_factor", conf.UseBackOffFactor,
		"back_off_step_ms", conf.BackOffStepMilliseconds,
		"idle_ttl", conf.IdleTTL,
		"canonical_names", conf.CanonicalNames,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
	)

	// Setup metrics first so the profiler can report its state
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"mode":      string(mode),
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    appName,
		Component:  "server",
		Version:    vi.Version,
		Attributes: []attribute.KeyValue{attribute.String("orderguard.mode", string(mode))},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// header-order limiter
	base := conf.LimiterConfig()
	limiter := headerorder.New(
		headerorder.WithBlockWhenAttemptsReach(base.BlockWhenAttemptsReach),
		headerorder.WithPerLastMilliseconds(base.PerLastMilliseconds),
		headerorder.WithBackOffFactor(base.UseBackOffFactor),
		headerorder.WithBackOff(base.BackOff),
		headerorder.WithIdleTTL(conf.IdleTTL),
		headerorder.WithOnSweep(m.AddSwept),
	)
	m.RegisterLimiterStats(limiter.Stats)
	m.SetPolicy("flags", base)
	if conf.IdleTTL > 0 {
		go limiter.Run(ctx, conf.SweepInterval)
	}

	g := guard.New(limiter,
		guard.WithMode(mode),
		guard.WithExemptPrefixes(cfg.SplitList(conf.ExemptPaths)...),
		guard.WithLogger(L.With("component", "guard")),
		guard.WithLogInterval(conf.BlockLogInterval),
		guard.WithOnTracked(m.IncTracked),
		guard.WithOnBlocked(m.IncBlocked),
		guard.WithOnFallback(m.IncCaptureFallback),
	)

	// toggled on SIGTERM so the load balancer drains us first
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	// optional policy source, readiness waits for the first document
	loaded := health.NewLatch("policy: not loaded")
	watcher, err := newPolicyWatcher(ctx, L, &conf, limiter, m, func(version string, c headerorder.Config) {
		m.SetPolicy(version, c)
		loaded.Open()
	})
	if err != nil {
		L.Error(ctx, err, "failed to set up policy source")
		os.Exit(1)
	}
	if watcher != nil {
		readiness = health.All(gate.Probe(), loaded.Probe())
		if err := watcher.Load(ctx); err != nil {
			// keep serving on flag defaults, the watcher keeps trying
			L.Error(ctx, err, "initial policy load failed, running on flag defaults until a policy loads")
		}
		go func() { _ = watcher.Run(ctx) }()
	}

	upstream, _ := url.Parse(conf.UpstreamURL)
	rp, err := proxy.New(proxy.Options{
		Upstream: upstream,
		OnError:  m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Capture:      wireorder.CaptureOptions{CanonicalNames: conf.CanonicalNames},
		Listener:     wireorder.ListenerOptions{MaxHeaders: conf.MaxHeaders},
		GuardMW:      g.Middleware,
		Upstream:     rp,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: metrics, health, pprof and the orderguard API
	// rejects public peers and forwarded requests in case it is ever exposed by mistake
	opsOpts := &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Limiter:      limiter,
		Mode:         string(mode),
	}
	if watcher != nil {
		opsOpts.Policy = watcher
	}
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "draining", "drain_delay", conf.DrainDelay)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	s := limiter.Stats()
	L.Info(context.Background(), "shutdown complete", "keys", s.Keys, "timestamps", s.Timestamps)
}

// newPolicyWatcher returns nil when no policy source is configured
func newPolicyWatcher(ctx context.Context, L log.Logger, conf *cfg.App, limiter *headerorder.RateLimiter, m *metrics.ServerMetrics, onSwap func(string, headerorder.Config)) (*policy.Watcher, error) {
	PL := L.With("component", "policy")
	opts := &policy.WatcherOptions{
		Logger:       PL,
		Limiter:      limiter,
		Base:         conf.LimiterConfig(),
		PollInterval: conf.PolicyPollInterval,
		Metrics:      m,
		OnSwap:       onSwap,
	}

	switch {
	case conf.PolicyFile != "":
		src := policy.NewFileSource(conf.PolicyFile, 0, PL)
		trigger, err := src.Watch(ctx)
		if err != nil {
			// polling still picks up changes
			PL.Warn(ctx, "policy file watch unavailable, relying on polling", "error", err)
		}
		opts.Source = src
		opts.Trigger = trigger

	case conf.RemotePolicy():
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		ro := policy.RemoteOptions{
			Logger:   PL,
			SSMParam: conf.PolicySSMParam,
			S3Bucket: conf.PolicyS3Bucket,
			S3Prefix: conf.PolicyS3Prefix,
			SSM:      ssm.NewFromConfig(awsCfg),
			S3:       s3.NewFromConfig(awsCfg),
		}
		if conf.PolicySigningKeyARN != "" {
			ro.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		}
		src, err := policy.NewRemoteSource(ro)
		if err != nil {
			return nil, err
		}
		opts.Source = src

	default:
		return nil, nil
	}

	return policy.NewWatcher(opts), nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify: write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify: close")
	}
	return nil
}
