package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type executionKey struct {
	mode    string
	outcome string
}

type toolKey struct {
	toolType string
	success  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector aggregates execution and HTTP metrics in memory and renders them
// in Prometheus text exposition format.
type Collector struct {
	mu             sync.Mutex
	requests       map[requestKey]uint64
	requestLatency map[string]*histogram
	executions     map[executionKey]uint64
	execLatency    map[string]*histogram
	guardrails     map[string]uint64
	tools          map[toolKey]uint64
	cacheHits      uint64
	cacheMisses    uint64
	credits        uint64
	commitFailures uint64
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{
		requests:       make(map[requestKey]uint64),
		requestLatency: make(map[string]*histogram),
		executions:     make(map[executionKey]uint64),
		execLatency:    make(map[string]*histogram),
		guardrails:     make(map[string]uint64),
		tools:          make(map[toolKey]uint64),
	}
}

var defaultCollector = New()

// Default returns the process-wide collector.
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	observeInto(c.requestLatency, handler, duration, httpBuckets)
}

// ObserveExecution records one finished execution. outcome is success,
// guardrail or failure.
func (c *Collector) ObserveExecution(mode, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions[executionKey{mode: mode, outcome: outcome}]++
	observeInto(c.execLatency, mode, duration, executionBuckets)
}

// ObserveGuardrail counts a triggered guardrail by kind.
func (c *Collector) ObserveGuardrail(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guardrails[kind]++
}

// ObserveToolCall counts a tool invocation.
func (c *Collector) ObserveToolCall(toolType string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[toolKey{toolType: toolType, success: strconv.FormatBool(success)}]++
}

// ObserveCacheLookup counts agent cache hits and misses.
func (c *Collector) ObserveCacheLookup(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
}

// AddCredits adds committed credits.
func (c *Collector) AddCredits(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credits += uint64(n)
}

// ObserveCommitFailure counts credit commits that need reconciliation.
func (c *Collector) ObserveCommitFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitFailures++
}

var (
	httpBuckets      = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	executionBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

func observeInto(set map[string]*histogram, key string, duration time.Duration, buckets []float64) {
	hist := set[key]
	if hist == nil {
		hist = &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
		set[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render returns the current snapshot in Prometheus text format.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	header(&b, "agentforge_executions_total", "counter", "Executions by mode and outcome.")
	for _, key := range sortedKeys(c.executions, func(k executionKey) string { return k.mode + "\x00" + k.outcome }) {
		fmt.Fprintf(&b, "agentforge_executions_total{mode=\"%s\",outcome=\"%s\"} %d\n", escape(key.mode), escape(key.outcome), c.executions[key])
	}
	writeHistograms(&b, "agentforge_execution_duration_seconds", "Execution latency in seconds.", "mode", c.execLatency)

	header(&b, "agentforge_guardrails_triggered_total", "counter", "Guardrail violations by kind.")
	for _, kind := range sortedKeys(c.guardrails, func(k string) string { return k }) {
		fmt.Fprintf(&b, "agentforge_guardrails_triggered_total{kind=\"%s\"} %d\n", escape(kind), c.guardrails[kind])
	}

	header(&b, "agentforge_tool_calls_total", "counter", "Tool invocations by type and result.")
	for _, key := range sortedKeys(c.tools, func(k toolKey) string { return k.toolType + "\x00" + k.success }) {
		fmt.Fprintf(&b, "agentforge_tool_calls_total{type=\"%s\",success=\"%s\"} %d\n", escape(key.toolType), key.success, c.tools[key])
	}

	header(&b, "agentforge_cache_lookups_total", "counter", "Agent cache lookups by result.")
	fmt.Fprintf(&b, "agentforge_cache_lookups_total{result=\"hit\"} %d\n", c.cacheHits)
	fmt.Fprintf(&b, "agentforge_cache_lookups_total{result=\"miss\"} %d\n", c.cacheMisses)

	header(&b, "agentforge_credits_charged_total", "counter", "Credits committed to the ledger.")
	fmt.Fprintf(&b, "agentforge_credits_charged_total %d\n", c.credits)

	header(&b, "agentforge_credit_commit_failures_total", "counter", "Credit commits that failed and need reconciliation.")
	fmt.Fprintf(&b, "agentforge_credit_commit_failures_total %d\n", c.commitFailures)

	header(&b, "agentforge_http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, key := range sortedKeys(c.requests, func(k requestKey) string { return k.handler + "\x00" + k.method + "\x00" + k.code }) {
		fmt.Fprintf(&b, "agentforge_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key])
	}
	writeHistograms(&b, "agentforge_http_request_duration_seconds", "HTTP request duration in seconds.", "handler", c.requestLatency)

	return b.String()
}

func header(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func writeHistograms(b *strings.Builder, name, help, label string, set map[string]*histogram) {
	header(b, name, "histogram", help)
	for _, key := range sortedKeys(set, func(k string) string { return k }) {
		hist := set[key]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "%s_bucket{%s=\"%s\",le=\"%s\"} %d\n", name, label, escape(key), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%s=\"%s\",le=\"+Inf\"} %d\n", name, label, escape(key), hist.count)
		fmt.Fprintf(b, "%s_sum{%s=\"%s\"} %s\n", name, label, escape(key), formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count{%s=\"%s\"} %d\n", name, label, escape(key), hist.count)
	}
}

func sortedKeys[K comparable, V any](m map[K]V, sortKey func(K) string) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return sortKey(keys[i]) < sortKey(keys[j]) })
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
