// Package probe watches a set of HTTP health endpoints and emits an
// incident onto the ops incidents queue on every {unknown,ok} -> fail
// edge, debounced by a consecutive-failure threshold so a single blip
// never pages anyone.
//
// Grounded on original_source/worker_probe.py, restructured as the
// ticker-driven background loop pattern used by
// internal/service/tool_discovery_service.go's StartPeriodicRetry.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sentinelsca/sca/internal/domain/canon"
	"github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/ops"
)

const (
	stateOK      = "ok"
	stateFail    = "fail"
	stateUnknown = "unknown"

	evidenceErrorMaxLen = 300
)

// Target is one monitored service: a name and the URL probed with GET.
type Target struct {
	Service string
	URL     string
}

// Config configures a Prober.
type Config struct {
	Targets        []Target
	PollInterval   time.Duration
	RequestTimeout time.Duration
	FailThreshold  int
	IncidentsQueue string // defaults to ops.QueueIncidents
	StatePrefix    string // defaults to "ops:probe:state:"
	FailcountPrefix string // defaults to "ops:probe:failcount:"
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 2
	}
	if c.IncidentsQueue == "" {
		c.IncidentsQueue = ops.QueueIncidents
	}
	if c.StatePrefix == "" {
		c.StatePrefix = "ops:probe:state:"
	}
	if c.FailcountPrefix == "" {
		c.FailcountPrefix = "ops:probe:failcount:"
	}
}

// Prober polls Config.Targets on an interval and emits incidents to the
// configured KV store.
type Prober struct {
	cfg    Config
	store  kv.Store
	client *http.Client
	logger *slog.Logger
}

// New creates a Prober. cfg is defaulted in place.
func New(cfg Config, store kv.Store, logger *slog.Logger) *Prober {
	cfg.withDefaults()
	return &Prober{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// Run blocks, polling every target on Config.PollInterval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	if len(p.cfg.Targets) == 0 {
		p.logger.Warn("probe: no targets configured, idling")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ticker.C:
			p.pollAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) pollAll(ctx context.Context) {
	for _, t := range p.cfg.Targets {
		p.pollOne(ctx, t)
	}
}

func (p *Prober) pollOne(ctx context.Context, t Target) {
	stateKey := p.cfg.StatePrefix + t.Service
	failKey := p.cfg.FailcountPrefix + t.Service

	prevState, err := p.store.Get(ctx, stateKey)
	if err != nil {
		prevState = stateUnknown
	}

	ok, status, probeErr := httpProbe(ctx, p.client, t.URL)

	var nowState string
	if ok {
		_ = p.store.Set(ctx, failKey, "0", 0)
		nowState = stateOK
	} else {
		failcount := p.incrFailcount(ctx, failKey)
		if failcount >= p.cfg.FailThreshold {
			nowState = stateFail
		} else {
			nowState = stateOK
		}
		p.logger.Info("probe: failure observed", "service", t.Service, "failcount", failcount, "threshold", p.cfg.FailThreshold)
	}

	if nowState == stateFail && prevState != stateFail {
		if err := p.emitIncident(ctx, t, status, probeErr); err != nil {
			p.logger.Error("probe: failed to emit incident", "service", t.Service, "error", err)
		} else {
			p.logger.Warn("probe: incident emitted", "service", t.Service)
		}
	}
	if prevState == stateFail && nowState == stateOK {
		p.logger.Info("probe: recovered", "service", t.Service)
	}

	_ = p.store.Set(ctx, stateKey, nowState, 0)
}

func (p *Prober) incrFailcount(ctx context.Context, failKey string) int {
	raw, err := p.store.Get(ctx, failKey)
	failcount := 0
	if err == nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			failcount = n
		}
	}
	failcount++
	_ = p.store.Set(ctx, failKey, strconv.Itoa(failcount), 0)
	return failcount
}

// httpProbe issues a GET and reports ok for any 2xx status.
func httpProbe(ctx context.Context, client *http.Client, url string) (ok bool, status, errMsg string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", fmt.Sprintf("request error: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", fmt.Sprintf("request error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	code := resp.StatusCode
	return code >= 200 && code < 300, strconv.Itoa(code), ""
}

func (p *Prober) emitIncident(ctx context.Context, t Target, status, errMsg string) error {
	if len(errMsg) > evidenceErrorMaxLen {
		errMsg = errMsg[:evidenceErrorMaxLen]
	}
	now := time.Now()
	incident := ops.Incident{
		IncidentID: fmt.Sprintf("inc_%d_%s", now.Unix(), t.Service),
		Timestamp:  now.Unix(),
		Service:    t.Service,
		Kind:       "api_unreachable",
		Severity:   "high",
		Evidence: ops.IncidentEvidence{
			URL:    t.URL,
			Status: status,
			Error:  errMsg,
		},
	}
	payload, err := canon.MarshalString(incident)
	if err != nil {
		return err
	}
	return p.store.RPush(ctx, p.cfg.IncidentsQueue, payload)
}
