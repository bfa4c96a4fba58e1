// Package health verifies that a provisioned instance can serve traffic.
//
// A Verifier reads the runtime artifact from disk on every call and probes,
// in order, the runtime configuration, the datastore, the cache and the
// application's own API. Checks stop at the first failure. Nothing is cached
// between calls.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/configrender"
	"github.com/ruteri/webapp-instance-provisioning/datastore"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/secrets"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Component names, in check order.
const (
	ComponentRuntime   = "runtime"
	ComponentDatastore = "datastore"
	ComponentCache     = "cache"
	ComponentAPI       = "api"
)

const (
	// DefaultTimeout bounds every individual check.
	DefaultTimeout = 3 * time.Second
	// DefaultBudget bounds a whole Verify call, so one /healthcheck request
	// answers within a load balancer's usual 5s timeout.
	DefaultBudget = 4 * time.Second
)

// maxAPIBody caps how much of the API response is decoded.
const maxAPIBody = 1 << 20

// Result is the outcome of one component check.
type Result struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// Report is the ordered list of results of one Verify call.
type Report []Result

// Healthy reports whether no check failed. Skipped checks count as healthy.
func (r Report) Healthy() bool {
	return r.FirstFailure() == nil
}

// FirstFailure returns the failing result, or nil.
func (r Report) FirstFailure() *Result {
	for i := range r {
		if r[i].Status == StatusFail {
			return &r[i]
		}
	}
	return nil
}

// String renders the report as a plain-text trace, one check per line.
func (r Report) String() string {
	var b strings.Builder
	for _, res := range r {
		fmt.Fprintf(&b, "%s: %s", res.Component, res.Status)
		if res.Message != "" {
			fmt.Fprintf(&b, " - %s", res.Message)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// ArtifactPath is the runtime artifact written by the bootstrap run.
	ArtifactPath string
	// Timeout bounds each check; zero means DefaultTimeout.
	Timeout time.Duration
	// Budget bounds the whole Verify call; zero means DefaultBudget.
	Budget time.Duration
	Log    *slog.Logger
}

// Verifier runs the health checks.
type Verifier struct {
	artifactPath string
	timeout      time.Duration
	budget       time.Duration
	log          *slog.Logger

	connect    datastore.Connector
	newPinger  func(cfg interfaces.RuntimeConfig, timeout time.Duration) cachePinger
	httpClient *http.Client
}

// NewVerifier creates a Verifier backed by the MySQL driver, go-redis and
// net/http.
func NewVerifier(cfg VerifierConfig) *Verifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	artifactPath := cfg.ArtifactPath
	if artifactPath == "" {
		artifactPath = configrender.DefaultArtifactPath
	}
	return &Verifier{
		artifactPath: artifactPath,
		timeout:      timeout,
		budget:       budget,
		log:          cfg.Log,
		connect:      datastore.Connect,
		newPinger:    newRedisPinger,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Verify runs every check in order and stops at the first failure. All
// checks share one deadline of the configured budget.
func (v *Verifier) Verify(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, v.budget)
	defer cancel()

	cfg, err := configrender.Load(v.artifactPath)
	if err == nil {
		err = configrender.Validate(cfg)
	}
	if err != nil {
		var secretValues []string
		if cfg != nil {
			secretValues = cfg.SecretValues()
		}
		res := Result{Component: ComponentRuntime, Status: StatusFail, Message: secrets.Redact(err.Error(), secretValues)}
		v.log.Warn("Health check failed", slog.String("component", res.Component), slog.String("message", res.Message))
		return Report{res}
	}

	report := Report{{Component: ComponentRuntime, Status: StatusOK, Message: fmt.Sprintf("%d keys loaded from %s", len(cfg), v.artifactPath)}}

	checks := []struct {
		component string
		check     func(context.Context, interfaces.RuntimeConfig) (Status, string)
	}{
		{ComponentDatastore, v.checkDatastore},
		{ComponentCache, v.checkCache},
		{ComponentAPI, v.checkAPI},
	}

	secretValues := cfg.SecretValues()
	for _, c := range checks {
		status, msg := StatusFail, "health check deadline exceeded"
		if v.checkTimeout(ctx) > 0 {
			status, msg = c.check(ctx, cfg)
		}
		res := Result{Component: c.component, Status: status, Message: secrets.Redact(msg, secretValues)}
		report = append(report, res)
		if status == StatusFail {
			v.log.Warn("Health check failed", slog.String("component", res.Component), slog.String("message", res.Message))
			break
		}
	}
	return report
}

// checkTimeout is the per-check timeout, cut short by the Verify deadline.
func (v *Verifier) checkTimeout(ctx context.Context) time.Duration {
	timeout := v.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (v *Verifier) checkDatastore(ctx context.Context, cfg interfaces.RuntimeConfig) (Status, string) {
	timeout := v.checkTimeout(ctx)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := v.connect(ctx, cfg, timeout)
	if err != nil {
		return StatusFail, err.Error()
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return StatusFail, fmt.Sprintf("SELECT 1: %v", err)
	}
	if one != 1 {
		return StatusFail, fmt.Sprintf("SELECT 1 returned %d", one)
	}
	return StatusOK, fmt.Sprintf("connected to %s/%s", cfg.Get(interfaces.KeyDBHost), cfg.Get(interfaces.KeyDBName))
}

func (v *Verifier) checkCache(ctx context.Context, cfg interfaces.RuntimeConfig) (Status, string) {
	if cfg.Get(interfaces.KeyCacheHost) == "" {
		return StatusSkip, "no cache endpoint configured"
	}

	timeout := v.checkTimeout(ctx)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := v.newPinger(cfg, timeout)
	defer p.Close()

	val, err := p.PingResult(ctx)
	if err != nil {
		return StatusFail, fmt.Sprintf("ping: %v", err)
	}
	if val != "PONG" {
		return StatusFail, fmt.Sprintf("unexpected PING response: %q", val)
	}
	return StatusOK, "PONG from " + cfg.Get(interfaces.KeyCacheHost)
}

func (v *Verifier) checkAPI(ctx context.Context, cfg interfaces.RuntimeConfig) (Status, string) {
	url := cfg.Get(interfaces.KeyAppAPIURL)

	ctx, cancel := context.WithTimeout(ctx, v.checkTimeout(ctx))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusFail, fmt.Sprintf("building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return StatusFail, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusFail, fmt.Sprintf("GET %s returned HTTP %d", url, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSONMediaType(contentType) {
		return StatusFail, fmt.Sprintf("GET %s returned content type %q, want JSON", url, contentType)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAPIBody)).Decode(&body); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return StatusFail, fmt.Sprintf("GET %s did not return a JSON object", url)
		}
		return StatusFail, fmt.Sprintf("decoding response of %s: %v", url, err)
	}
	if body == nil {
		return StatusFail, fmt.Sprintf("GET %s did not return a JSON object", url)
	}

	var missing []string
	for _, field := range requiredFields(cfg) {
		if _, ok := body[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return StatusFail, fmt.Sprintf("response of %s is missing fields: %s", url, strings.Join(missing, ", "))
	}
	return StatusOK, fmt.Sprintf("GET %s returned HTTP 200", url)
}

func requiredFields(cfg interfaces.RuntimeConfig) []string {
	if fields := cfg.List(interfaces.KeyAppAPIRequiredFields); len(fields) > 0 {
		return fields
	}
	return strings.Split(configrender.DefaultAPIRequiredFields, ",")
}

func isJSONMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
