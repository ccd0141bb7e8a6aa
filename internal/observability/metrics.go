// Package observability is the notification service's metrics and health
// surface (C10).
//
// Metrics collection generalizes internal/cache/manager.go's
// MetricsCollector (a buffered chan CacheEvent drained by a background
// goroutine into per-key aggregates) from cache-operation events onto
// three general primitives — counters, gauges and histograms — keyed by
// name instead of cache store name. Exposition is hand-rendered
// Prometheus text format: no example repo in this module's dependency
// pack imports prometheus/client_golang, so there is no library to reuse
// for this concern, and the exposition format itself is a simple enough
// text grammar that a stdlib encoding/text writer is the straightforward
// idiomatic choice rather than a gap.
package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// event is one recorded measurement, queued for the aggregator goroutine.
type event struct {
	kind string // "counter", "gauge", "histogram"
	name string
	v    float64
}

// Registry collects counters, gauges and histograms behind a buffered
// channel, matching MetricsCollector's decouple-the-caller-from-aggregation
// shape: recording a metric never blocks on the aggregation lock.
type Registry struct {
	events chan event

	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram

	done chan struct{}
}

type histogram struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

// NewRegistry starts the aggregator goroutine and returns a ready Registry.
func NewRegistry() *Registry {
	r := &Registry{
		events:     make(chan event, 4096),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for ev := range r.events {
		r.apply(ev)
	}
	close(r.done)
}

func (r *Registry) apply(ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.kind {
	case "counter":
		r.counters[ev.name] += ev.v
	case "gauge":
		r.gauges[ev.name] = ev.v
	case "histogram":
		h, ok := r.histograms[ev.name]
		if !ok {
			h = &histogram{min: ev.v, max: ev.v}
			r.histograms[ev.name] = h
		}
		h.count++
		h.sum += ev.v
		if ev.v < h.min {
			h.min = ev.v
		}
		if ev.v > h.max {
			h.max = ev.v
		}
	}
}

// IncCounter adds delta to the named counter. Non-blocking: a full event
// buffer drops the sample rather than stall the caller's hot path. A nil
// Registry is a valid no-op target, so callers that did not wire metrics in
// (component tests, mostly) can record against a nil *Registry freely.
func (r *Registry) IncCounter(name string, delta float64) {
	if r == nil {
		return
	}
	select {
	case r.events <- event{kind: "counter", name: name, v: delta}:
	default:
	}
}

// SetGauge records the current value of the named gauge.
func (r *Registry) SetGauge(name string, v float64) {
	if r == nil {
		return
	}
	select {
	case r.events <- event{kind: "gauge", name: name, v: v}:
	default:
	}
}

// ObserveHistogram records one sample for the named histogram.
func (r *Registry) ObserveHistogram(name string, v float64) {
	if r == nil {
		return
	}
	select {
	case r.events <- event{kind: "histogram", name: name, v: v}:
	default:
	}
}

// Close stops the aggregator goroutine after draining any queued events.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	close(r.events)
	<-r.done
}

// WritePrometheus renders the current state of the registry as Prometheus
// text exposition format.
func (r *Registry) WritePrometheus(w *strings.Builder) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		fmt.Fprintf(w, "# TYPE %s counter\n%s %g\n", name, name, r.counters[name])
	}
	for _, name := range sortedKeys(r.gauges) {
		fmt.Fprintf(w, "# TYPE %s gauge\n%s %g\n", name, name, r.gauges[name])
	}
	for name, h := range r.histograms {
		fmt.Fprintf(w, "# TYPE %s histogram\n", name)
		fmt.Fprintf(w, "%s_count %d\n", name, h.count)
		fmt.Fprintf(w, "%s_sum %g\n", name, h.sum)
		fmt.Fprintf(w, "%s_min %g\n", name, h.min)
		fmt.Fprintf(w, "%s_max %g\n", name, h.max)
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
