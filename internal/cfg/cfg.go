// Package cfg holds the service flags. Every flag can also come from an ORDERGUARD_ environment
// variable or a .env file, precedence is cli > env > .env > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/orderguard/internal/guard"
	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/log"
)

// EnvPrefix is prepended to the upper-cased flag name to form the env var name
const EnvPrefix = "ORDERGUARD_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	LogRedactKeys     string

	HTTPPort    int
	AdminPort   int
	UpstreamURL string
	// TrustedProxyHops is how many proxies in front of us may set X-Forwarded-For
	TrustedProxyHops int
	MaxBodyBytes     int64
	DrainDelay       time.Duration

	BlockWhenAttemptsReach  int
	PerLastMilliseconds     int64
	UseBackOffFactor        bool
	BackOffStepMilliseconds int64

	Mode             string
	ExemptPaths      string
	CanonicalNames   bool
	MaxHeaders       int
	BlockLogInterval time.Duration
	IdleTTL          time.Duration
	SweepInterval    time.Duration

	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringVar(&c.LogRedactKeys, "log-redact-keys", "authorization,cookie,set-cookie", "comma separated log attribute keys whose values are redacted")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:8081", "origin that allowed requests are proxied to")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "proxies in front of orderguard whose X-Forwarded-For is trusted (0 trusts none)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "max request body forwarded upstream (0 is unlimited)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "how long readiness fails before servers shut down on SIGTERM")

	fs.IntVar(&c.BlockWhenAttemptsReach, "block-when-attempts-reach", headerorder.DefaultBlockWhenAttemptsReach, "attempts inside the window at which a header order is blocked")
	fs.Int64Var(&c.PerLastMilliseconds, "per-last-ms", headerorder.DefaultPerLastMilliseconds, "base window width in milliseconds")
	fs.BoolVar(&c.UseBackOffFactor, "use-back-off-factor", true, "widen the window as attempts pile up")
	fs.Int64Var(&c.BackOffStepMilliseconds, "back-off-step-ms", headerorder.DefaultBackOffStepMilliseconds, "window growth per attempt over the threshold in milliseconds")

	fs.StringVar(&c.Mode, "mode", string(guard.ModeEnforce), "enforce|observe")
	fs.StringVar(&c.ExemptPaths, "exempt-paths", strings.Join(guard.DefaultExemptPrefixes, ","), "comma separated path prefixes that are never tracked")
	fs.BoolVar(&c.CanonicalNames, "canonical-names", false, "canonicalize header name case before keying")
	fs.IntVar(&c.MaxHeaders, "max-headers", 256, "max header lines per request head the order scanner accepts")
	fs.DurationVar(&c.BlockLogInterval, "block-log-interval", 10*time.Second, "minimum interval between block log lines (0 logs every block)")
	fs.DurationVar(&c.IdleTTL, "idle-ttl", 0, "drop header orders idle this long (0 never drops)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often idle header orders are swept when idle-ttl is set")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy file, reloaded on change")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the current policy version")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding policy documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "orderguard/policies", "s3 prefix (key) of policy documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy signature verification")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often the policy source is polled")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// LoadDotEnv loads KEY=value pairs from path into the process environment. Variables already set
// are left alone and a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// SplitList splits a comma separated flag value, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RemotePolicy reports whether the SSM/S3 policy source is configured
func (c App) RemotePolicy() bool { return c.PolicySSMParam != "" }

// LimiterConfig is the headerorder configuration described by the limiter flags
func (c App) LimiterConfig() headerorder.Config {
	return headerorder.Config{
		BlockWhenAttemptsReach: c.BlockWhenAttemptsReach,
		PerLastMilliseconds:    c.PerLastMilliseconds,
		UseBackOffFactor:       c.UseBackOffFactor,
		BackOff:                headerorder.LinearBackOff{StepMilliseconds: c.BackOffStepMilliseconds},
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be >= 0 (got %s)", c.DrainDelay))
	}
	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// limiter
	if c.BlockWhenAttemptsReach < 1 {
		errs = append(errs, fmt.Errorf("BLOCK_WHEN_ATTEMPTS_REACH must be >= 1 (got %d)", c.BlockWhenAttemptsReach))
	}
	if c.PerLastMilliseconds < 1 {
		errs = append(errs, fmt.Errorf("PER_LAST_MS must be >= 1 (got %d)", c.PerLastMilliseconds))
	}
	if c.BackOffStepMilliseconds < 0 {
		errs = append(errs, fmt.Errorf("BACK_OFF_STEP_MS must be >= 0 (got %d)", c.BackOffStepMilliseconds))
	}

	// guard
	if _, ok := guard.ParseMode(c.Mode); !ok {
		errs = append(errs, fmt.Errorf("invalid MODE %q (must be enforce|observe)", c.Mode))
	}
	for _, p := range SplitList(c.ExemptPaths) {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("EXEMPT_PATHS entry %q must start with /", p))
		}
	}
	if c.MaxHeaders < 1 {
		errs = append(errs, fmt.Errorf("MAX_HEADERS must be >= 1 (got %d)", c.MaxHeaders))
	}
	if c.BlockLogInterval < 0 {
		errs = append(errs, fmt.Errorf("BLOCK_LOG_INTERVAL must be >= 0 (got %s)", c.BlockLogInterval))
	}
	if c.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("IDLE_TTL must be >= 0 (got %s)", c.IdleTTL))
	}
	if c.IdleTTL > 0 && c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0 when IDLE_TTL is set (got %s)", c.SweepInterval))
	}

	// policy sources
	if c.PolicyFile != "" && c.RemotePolicy() {
		errs = append(errs, fmt.Errorf("POLICY_FILE and POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.RemotePolicy() && c.PolicyS3Bucket == "" {
		errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET is required when POLICY_SSM_PARAM is set"))
	}
	if c.PolicySigningKeyARN != "" && !c.RemotePolicy() {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN requires POLICY_SSM_PARAM"))
	}
	if (c.PolicyFile != "" || c.RemotePolicy()) && c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be >= 1s (got %s)", c.PolicyPollInterval))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	return errors.Join(errs...)
}
