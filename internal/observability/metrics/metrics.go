package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder aggregates in-memory counters and gauges for realtime event
// delivery, presence transitions, debounced refreshes, and the attachment
// upload pipeline. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for active subscriptions.
type Recorder struct {
	mu                  sync.RWMutex
	realtimeEvents      map[string]uint64
	presenceEvents      map[string]uint64
	uploadOutcomes      map[string]uint64
	httpRequests        map[requestKey]*requestStats
	refreshesRequested  uint64
	refreshesExecuted   uint64
	activeSubscriptions atomic.Int64
	activeUploads       atomic.Int64
}

type requestKey struct {
	method string
	path   string
	status int
}

type requestStats struct {
	count      uint64
	durationMS int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		realtimeEvents: make(map[string]uint64),
		presenceEvents: make(map[string]uint64),
		uploadOutcomes: make(map[string]uint64),
		httpRequests:   make(map[requestKey]*requestStats),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRealtimeEvent records a realtime event outcome keyed by disposition
// (e.g., "delivered", "dropped", "malformed").
func (r *Recorder) ObserveRealtimeEvent(disposition string) {
	normalized := normalizeName(disposition)
	r.mu.Lock()
	r.realtimeEvents[normalized]++
	r.mu.Unlock()
}

// ObservePresenceEvent records a presence transition keyed by event kind
// ("sync", "join", "leave", "track").
func (r *Recorder) ObservePresenceEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.presenceEvents[normalized]++
	r.mu.Unlock()
}

// ObserveUploadOutcome records the terminal status of one file's pipeline run
// ("completed", "error") or the validation shortcut ("rejected").
func (r *Recorder) ObserveUploadOutcome(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.uploadOutcomes[normalized]++
	r.mu.Unlock()
}

// ObserveRequest records an HTTP request outcome keyed by method, path, and
// status, accumulating total handling time per key.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	key := requestKey{
		method: strings.ToUpper(strings.TrimSpace(method)),
		path:   path,
		status: status,
	}
	r.mu.Lock()
	stats, ok := r.httpRequests[key]
	if !ok {
		stats = &requestStats{}
		r.httpRequests[key] = stats
	}
	stats.count++
	stats.durationMS += duration.Milliseconds()
	r.mu.Unlock()
}

// RefreshRequested counts one call into the debounced refresh path.
func (r *Recorder) RefreshRequested() {
	r.mu.Lock()
	r.refreshesRequested++
	r.mu.Unlock()
}

// RefreshExecuted counts one coalesced refresh actually running. The gap
// between requested and executed is the coalescing win.
func (r *Recorder) RefreshExecuted() {
	r.mu.Lock()
	r.refreshesExecuted++
	r.mu.Unlock()
}

// SubscriptionOpened increments the active subscription gauge.
func (r *Recorder) SubscriptionOpened() {
	r.activeSubscriptions.Add(1)
}

// SubscriptionClosed decrements the active subscription gauge, guarding
// against negative counts when teardown races setup.
func (r *Recorder) SubscriptionClosed() {
	r.decrementGauge(&r.activeSubscriptions)
}

// UploadStarted increments the active upload gauge.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

// UploadFinished decrements the active upload gauge.
func (r *Recorder) UploadFinished() {
	r.decrementGauge(&r.activeUploads)
}

// ActiveSubscriptions exposes the current gauge of open realtime
// subscriptions.
func (r *Recorder) ActiveSubscriptions() int64 {
	return r.activeSubscriptions.Load()
}

// ActiveUploads exposes the current number of in-flight upload pipelines.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// RealtimeEventCounts returns a copy of the realtime event counters for
// testing and reporting purposes.
func (r *Recorder) RealtimeEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.realtimeEvents))
	for k, v := range r.realtimeEvents {
		out[k] = v
	}
	return out
}

// UploadOutcomeCounts returns a copy of the upload outcome counters.
func (r *Recorder) UploadOutcomeCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.uploadOutcomes))
	for k, v := range r.uploadOutcomes {
		out[k] = v
	}
	return out
}

// RequestCounts returns HTTP request totals keyed as "METHOD path status".
func (r *Recorder) RequestCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.httpRequests))
	for key, stats := range r.httpRequests {
		out[fmt.Sprintf("%s %s %d", key.method, key.path, key.status)] = stats.count
	}
	return out
}

// RefreshCounts returns requested and executed refresh totals.
func (r *Recorder) RefreshCounts() (requested, executed uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshesRequested, r.refreshesExecuted
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.realtimeEvents = make(map[string]uint64)
	r.presenceEvents = make(map[string]uint64)
	r.uploadOutcomes = make(map[string]uint64)
	r.httpRequests = make(map[requestKey]*requestStats)
	r.refreshesRequested = 0
	r.refreshesExecuted = 0
	r.mu.Unlock()
	r.activeSubscriptions.Store(0)
	r.activeUploads.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP harborchat_realtime_events_total Realtime events by delivery disposition")
	fmt.Fprintln(w, "# TYPE harborchat_realtime_events_total counter")
	for _, key := range sortedKeys(r.realtimeEvents) {
		fmt.Fprintf(w, "harborchat_realtime_events_total{disposition=\"%s\"} %d\n", key, r.realtimeEvents[key])
	}

	fmt.Fprintln(w, "# HELP harborchat_presence_events_total Presence transitions by event kind")
	fmt.Fprintln(w, "# TYPE harborchat_presence_events_total counter")
	for _, key := range sortedKeys(r.presenceEvents) {
		fmt.Fprintf(w, "harborchat_presence_events_total{event=\"%s\"} %d\n", key, r.presenceEvents[key])
	}

	fmt.Fprintln(w, "# HELP harborchat_upload_outcomes_total Attachment pipeline outcomes by terminal status")
	fmt.Fprintln(w, "# TYPE harborchat_upload_outcomes_total counter")
	for _, key := range sortedKeys(r.uploadOutcomes) {
		fmt.Fprintf(w, "harborchat_upload_outcomes_total{status=\"%s\"} %d\n", key, r.uploadOutcomes[key])
	}

	fmt.Fprintln(w, "# HELP harborchat_http_requests_total HTTP requests by method, path, and status")
	fmt.Fprintln(w, "# TYPE harborchat_http_requests_total counter")
	for _, key := range sortedRequestKeys(r.httpRequests) {
		stats := r.httpRequests[key]
		fmt.Fprintf(w, "harborchat_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n", key.method, key.path, key.status, stats.count)
	}

	fmt.Fprintln(w, "# HELP harborchat_http_request_duration_ms_sum Cumulative request handling time in milliseconds")
	fmt.Fprintln(w, "# TYPE harborchat_http_request_duration_ms_sum counter")
	for _, key := range sortedRequestKeys(r.httpRequests) {
		stats := r.httpRequests[key]
		fmt.Fprintf(w, "harborchat_http_request_duration_ms_sum{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n", key.method, key.path, key.status, stats.durationMS)
	}

	fmt.Fprintln(w, "# HELP harborchat_refreshes_requested_total Conversation refresh requests before coalescing")
	fmt.Fprintln(w, "# TYPE harborchat_refreshes_requested_total counter")
	fmt.Fprintf(w, "harborchat_refreshes_requested_total %d\n", r.refreshesRequested)

	fmt.Fprintln(w, "# HELP harborchat_refreshes_executed_total Conversation refreshes executed after coalescing")
	fmt.Fprintln(w, "# TYPE harborchat_refreshes_executed_total counter")
	fmt.Fprintf(w, "harborchat_refreshes_executed_total %d\n", r.refreshesExecuted)

	fmt.Fprintln(w, "# HELP harborchat_active_subscriptions Current number of open realtime subscriptions")
	fmt.Fprintln(w, "# TYPE harborchat_active_subscriptions gauge")
	fmt.Fprintf(w, "harborchat_active_subscriptions %d\n", r.activeSubscriptions.Load())

	fmt.Fprintln(w, "# HELP harborchat_active_uploads Current number of in-flight upload pipelines")
	fmt.Fprintln(w, "# TYPE harborchat_active_uploads gauge")
	fmt.Fprintf(w, "harborchat_active_uploads %d\n", r.activeUploads.Load())
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func sortedRequestKeys(m map[requestKey]*requestStats) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].path != keys[j].path {
			return keys[i].path < keys[j].path
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].status < keys[j].status
	})
	return keys
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
