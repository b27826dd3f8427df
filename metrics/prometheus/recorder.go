package prometheus

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-webhook-pipeline/core"
)

// Recorder implements core.MetricsRecorder on Prometheus collectors.
// Collectors are created lazily per metric name and label set, so pipeline
// components can emit new counters without pre-registration. A counter and
// a histogram may not share a name.
type Recorder struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	namespace  string
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	buckets    []float64
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = strings.TrimSpace(namespace)
	}
}

func WithHistogramBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = buckets
		}
	}
}

func New(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		namespace:  "webhook_pipeline",
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		buckets:    []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	labels := labelKeys(tags)
	vec := r.counterVec(name, labels)
	if vec == nil {
		return
	}
	vec.With(labelValues(labels, tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	labels := labelKeys(tags)
	vec := r.histogramVec(name, labels)
	if vec == nil {
		return
	}
	vec.With(labelValues(labels, tags)).Observe(value)
}

func (r *Recorder) counterVec(name string, labels []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	sanitized := sanitizeName(name)
	if vec, ok := r.counters[sanitized]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      sanitized,
		Help:      name,
	}, labels)
	if !r.register(vec) {
		return nil
	}
	r.counters[sanitized] = vec
	return vec
}

func (r *Recorder) histogramVec(name string, labels []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	sanitized := sanitizeName(name)
	if vec, ok := r.histograms[sanitized]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      sanitized,
		Help:      name,
		Buckets:   r.buckets,
	}, labels)
	if !r.register(vec) {
		return nil
	}
	r.histograms[sanitized] = vec
	return vec
}

func (r *Recorder) register(collector prometheus.Collector) bool {
	if err := r.registerer.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return true
		}
		return false
	}
	return true
}

func sanitizeName(name string) string {
	replaced := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	return strings.Trim(replaced, "_")
}

func labelKeys(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func labelValues(labels []string, tags map[string]string) prometheus.Labels {
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		values[label] = tags[label]
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
