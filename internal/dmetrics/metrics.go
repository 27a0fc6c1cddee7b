// Package dmetrics exposes a hand-rolled Prometheus text exporter for the
// node process, adapted from the teacher's internal/metrics.go: an
// in-memory label-keyed counter/gauge set guarded by RWMutexes, served
// from a plain net/http handler rather than a metrics client library.
package dmetrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	rendezvousAttempts  map[string]uint64
	rendezvousDurations map[string]float64
	rendezvousDurCount  map[string]uint64
	portsReserved       map[string]float64
	portsWaitlist       map[string]float64
	utpHandlesOpen      map[string]float64
	reactorTicks        map[string]uint64
}

var (
	mu sync.RWMutex
	m  = telemetry{}
)

// Enable turns on metric collection; calling it twice is a no-op.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if m.enabled {
		return
	}
	m.rendezvousAttempts = make(map[string]uint64)
	m.rendezvousDurations = make(map[string]float64)
	m.rendezvousDurCount = make(map[string]uint64)
	m.portsReserved = make(map[string]float64)
	m.portsWaitlist = make(map[string]float64)
	m.utpHandlesOpen = make(map[string]float64)
	m.reactorTicks = make(map[string]uint64)
	m.enabled = true
}

// StartServer runs the /metrics HTTP endpoint until ctx is canceled.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("dmetrics: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dmetrics: serve: %w", err)
	}
	return nil
}

// ObserveRendezvousAttempt records one terminal session outcome (strategy
// is "fast" or "symm"; outcome is "established" or "failed") and its
// wall-clock duration.
func ObserveRendezvousAttempt(strategy, outcome string, d time.Duration) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("strategy=%s,outcome=%s", strategy, outcome)
	m.rendezvousAttempts[key]++
	m.rendezvousDurCount[key]++
	m.rendezvousDurations[key] += d.Seconds()
}

// SetPortStats publishes a PortAllocator.Stats snapshot for class.
func SetPortStats(class string, reserved, waitlistLen int) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("class=%s", class)
	m.portsReserved[key] = float64(reserved)
	m.portsWaitlist[key] = float64(waitlistLen)
}

// SetUTPHandlesOpen publishes the live Handle count for a UDP port.
func SetUTPHandlesOpen(port int, n int) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()

	m.utpHandlesOpen[fmt.Sprintf("port=%d", port)] = float64(n)
}

// ObserveReactorTick counts one SysReactor poll iteration.
func ObserveReactorTick() {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	m.reactorTicks["loop=main"]++
}

func handler(w http.ResponseWriter, _ *http.Request) {
	mu.RLock()
	enabled := m.enabled
	mu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m.mu.RLock()
	defer m.mu.RUnlock()

	writeCounterVec(w, "dtun_rendezvous_attempts_total", m.rendezvousAttempts)
	writeSummaryAsCountAndSum(w, "dtun_rendezvous_duration_seconds", m.rendezvousDurCount, m.rendezvousDurations)
	writeGaugeVec(w, "dtun_ports_reserved", m.portsReserved)
	writeGaugeVec(w, "dtun_ports_waitlist_len", m.portsWaitlist)
	writeGaugeVec(w, "dtun_utp_handles_open", m.utpHandlesOpen)
	writeCounterVec(w, "dtun_reactor_ticks_total", m.reactorTicks)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	for _, k := range sortedKeys(data) {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func writeGaugeVec(w http.ResponseWriter, name string, data map[string]float64) {
	for _, k := range sortedKeysF(data) {
		fmt.Fprintf(w, "%s{%s} %.0f\n", name, toPromLabels(k), data[k])
	}
}

func writeSummaryAsCountAndSum(w http.ResponseWriter, name string, counts map[string]uint64, sums map[string]float64) {
	for _, k := range sortedKeys(counts) {
		labels := toPromLabels(k)
		fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, counts[k])
		fmt.Fprintf(w, "%s_sum{%s} %f\n", name, labels, sums[k])
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysF(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
