package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/orderguard/internal/headerorder"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet and parses args, isolated from flag.CommandLine
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON || c.LogLevel != "info" || c.StacktraceLevel != "error" {
		t.Errorf("log defaults = %v %q %q", c.LogJSON, c.LogLevel, c.StacktraceLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d %d", c.HTTPPort, c.AdminPort)
	}
	if c.BlockWhenAttemptsReach != 3 || c.PerLastMilliseconds != 3000 || !c.UseBackOffFactor || c.BackOffStepMilliseconds != 1000 {
		t.Errorf("limiter defaults = %+v", c)
	}
	if c.Mode != "enforce" || c.ExemptPaths != "/-/" || c.CanonicalNames {
		t.Errorf("guard defaults = %q %q %v", c.Mode, c.ExemptPaths, c.CanonicalNames)
	}
	if c.IdleTTL != 0 {
		t.Errorf("IdleTTL: want 0 (never sweep), got %s", c.IdleTTL)
	}
	if c.TrustedProxyHops != 0 || c.MaxBodyBytes != 10<<20 || c.DrainDelay != 15*time.Second {
		t.Errorf("server defaults = %d %d %s", c.TrustedProxyHops, c.MaxBodyBytes, c.DrainDelay)
	}
	if c.PolicyFile != "" || c.RemotePolicy() {
		t.Error("no policy source should be configured by default")
	}
	if !c.EnablePprof || c.EnablePyroscope || c.EnableTracing {
		t.Error("profiling/tracing defaults wrong")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-http-port=9090",
		"-upstream-url=https://origin.internal",
		"-block-when-attempts-reach=10",
		"-per-last-ms=500",
		"-use-back-off-factor=false",
		"-mode=observe",
		"-exempt-paths=/-/,/static/",
		"-idle-ttl=10m",
		"-policy-file=/etc/orderguard/policy.yaml",
		"-policy-poll-interval=30s",
	})

	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.HTTPPort != 9090 || c.UpstreamURL != "https://origin.internal" {
		t.Errorf("HTTPPort/UpstreamURL = %d %q", c.HTTPPort, c.UpstreamURL)
	}
	if c.BlockWhenAttemptsReach != 10 || c.PerLastMilliseconds != 500 || c.UseBackOffFactor {
		t.Errorf("limiter = %d %d %v", c.BlockWhenAttemptsReach, c.PerLastMilliseconds, c.UseBackOffFactor)
	}
	if c.Mode != "observe" || c.IdleTTL != 10*time.Minute {
		t.Errorf("Mode/IdleTTL = %q %s", c.Mode, c.IdleTTL)
	}
	if got := SplitList(c.ExemptPaths); len(got) != 2 || got[1] != "/static/" {
		t.Errorf("ExemptPaths = %v", got)
	}
	if c.PolicyFile != "/etc/orderguard/policy.yaml" || c.PolicyPollInterval != 30*time.Second {
		t.Errorf("policy = %q %s", c.PolicyFile, c.PolicyPollInterval)
	}
}

func TestLimiterConfig(t *testing.T) {
	c := newTestConfig(t, []string{"-block-when-attempts-reach=5", "-back-off-step-ms=250"})
	got := c.LimiterConfig()
	if got.BlockWhenAttemptsReach != 5 || got.PerLastMilliseconds != 3000 || !got.UseBackOffFactor {
		t.Fatalf("LimiterConfig = %+v", got)
	}
	if lb, ok := got.BackOff.(headerorder.LinearBackOff); !ok || lb.StepMilliseconds != 250 {
		t.Fatalf("BackOff = %#v", got.BackOff)
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" , ,", nil},
		{"/-/", []string{"/-/"}},
		{" a ,b,, c ", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		got := SplitList(tt.in)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"MODE", "observe")
	t.Setenv(pfx+"PER_LAST_MS", "1500")
	t.Setenv(pfx+"IDLE_TTL", "5m")
	t.Setenv(pfx+"POLICY_SSM_PARAM", "/orderguard/policy/version")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogLevel != "debug" || c.HTTPPort != 8088 || c.Mode != "observe" {
		t.Errorf("env not applied: %q %d %q", c.LogLevel, c.HTTPPort, c.Mode)
	}
	if c.PerLastMilliseconds != 1500 || c.IdleTTL != 5*time.Minute {
		t.Errorf("PerLastMilliseconds/IdleTTL = %d %s", c.PerLastMilliseconds, c.IdleTTL)
	}
	if !c.RemotePolicy() || c.TraceSample != 0.25 {
		t.Errorf("RemotePolicy/TraceSample = %v %f", c.RemotePolicy(), c.TraceSample)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"MODE", "observe")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-mode=enforce"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 || c.Mode != "enforce" {
		t.Errorf("cli should win: %d %q", c.HTTPPort, c.Mode)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 override messages, got %v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m, "overrides env") {
			t.Errorf("unexpected message: %s", m)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")
	t.Setenv(pfx+"IDLE_TTL", "forever")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 8080 || c.IdleTTL != 0 {
		t.Errorf("defaults should be kept: %d %s", c.HTTPPort, c.IdleTTL)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m, "ignoring invalid env") {
			t.Errorf("unexpected message: %s", m)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "ORDERGUARD_TESTCFG_DOTENV_MODE"
	const kept = "ORDERGUARD_TESTCFG_DOTENV_KEPT"
	path := filepath.Join(t.TempDir(), ".env")
	body := key + "=observe\n" + kept + "=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(kept, "from-env")
	// t.Setenv registers the restore, the file load then sets the real value
	t.Setenv(key, "")
	os.Unsetenv(key)

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "observe" {
		t.Errorf("%s = %q, want observe", key, got)
	}
	if got := os.Getenv(kept); got != "from-env" {
		t.Errorf("%s = %q, existing env must win over .env", kept, got)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	if err := LoadDotEnv(""); err != nil {
		t.Fatalf("empty path should be ignored: %v", err)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-policy-ssm-param=/orderguard/policy",
		"-policy-s3-bucket=policies",
		"-policy-signing-key-arn=arn:aws:kms:us-east-2:111122223333:key/abc",
		"-idle-ttl=1h",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-upstream-url=ftp://x",
		"-trusted-proxy-hops=-1",
		"-max-body-bytes=-5",
		"-drain-delay=-1s",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-max-error-links=0",
		"-block-when-attempts-reach=0",
		"-per-last-ms=0",
		"-back-off-step-ms=-1",
		"-mode=block",
		"-exempt-paths=healthz",
		"-max-headers=0",
		"-idle-ttl=1m",
		"-sweep-interval=0s",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
	})

	err := Validate(c)
	for _, sub := range []string{
		"invalid HTTP_PORT",
		"invalid ADMIN_PORT",
		"UPSTREAM_URL",
		"TRUSTED_PROXY_HOPS",
		"MAX_BODY_BYTES",
		"DRAIN_DELAY",
		"invalid LOG_LEVEL",
		"invalid STACKTRACE_LEVEL",
		"MAX_ERROR_LINKS",
		"BLOCK_WHEN_ATTEMPTS_REACH",
		"PER_LAST_MS",
		"BACK_OFF_STEP_MS",
		"invalid MODE",
		"EXEMPT_PATHS",
		"MAX_HEADERS",
		"SWEEP_INTERVAL",
		"invalid TRACE_SAMPLE",
		"PYRO_SERVER must be a URL",
		"PYRO_TENANT",
		"OTLP_ENDPOINT must be host:port",
	} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_Policy(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"file and ssm", []string{"-policy-file=/p.yaml", "-policy-ssm-param=/p", "-policy-s3-bucket=b"}, "mutually exclusive"},
		{"ssm without bucket", []string{"-policy-ssm-param=/p"}, "POLICY_S3_BUCKET"},
		{"key without ssm", []string{"-policy-signing-key-arn=arn:k"}, "POLICY_SIGNING_KEY_ARN"},
		{"poll too fast", []string{"-policy-file=/p.yaml", "-policy-poll-interval=10ms"}, "POLICY_POLL_INTERVAL"},
		{"same ports", []string{"-http-port=9000"}, "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantErrContains(t, Validate(newTestConfig(t, tt.args)), tt.want)
		})
	}
}
