// Package registry tracks the pluggable backend services (speech
// recognizers, summarizers, transcoders) by category and name, and
// probes their availability on demand.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/linguabridge/linguabridge/internal/fault"
)

// Service is anything the registry can hand out and health-check.
type Service interface {
	Ping(ctx context.Context) error
}

// Entry describes one registered service.
type Entry struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// Status is the result of probing one service.
type Status struct {
	Category  string `json:"category"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Registry struct {
	log   *slog.Logger
	mu    sync.RWMutex
	items map[string]map[string]Service

	probeTimeout time.Duration
}

func New(logger *slog.Logger) *Registry {
	r := &Registry{
		log:          logger.With(slog.String("component", "service-registry")),
		items:        make(map[string]map[string]Service),
		probeTimeout: 5 * time.Second,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds a service under (category, name). A second registration
// for the same pair is rejected so a misconfigured deployment fails
// loudly instead of silently shadowing a backend.
func (r *Registry) Register(category, name string, svc Service) error {
	if category == "" || name == "" {
		return fault.New(fault.ValidationError, "service category and name must be non-empty")
	}
	if svc == nil {
		return fault.Newf(fault.ValidationError, "service %s/%s is nil", category, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.items[category]
	if !ok {
		byName = make(map[string]Service)
		r.items[category] = byName
	}
	if _, exists := byName[name]; exists {
		return fault.Newf(fault.ValidationError, "service %s/%s already registered", category, name)
	}
	byName[name] = svc
	r.log.Info("service registered",
		slog.String("category", category),
		slog.String("name", name))
	return nil
}

// Lookup returns the service registered under (category, name).
func (r *Registry) Lookup(category, name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if svc, ok := r.items[category][name]; ok {
		return svc, nil
	}
	return nil, fault.Newf(fault.NotFound, "no %s service named %q", category, name)
}

// Names lists the registered service names for a category, sorted.
func (r *Registry) Names(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items[category]))
	for name := range r.items[category] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries lists every registered (category, name) pair, sorted by
// category then name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []Entry
	for category, byName := range r.items {
		for name := range byName {
			entries = append(entries, Entry{Category: category, Name: name})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Probe pings every registered service concurrently, each under its own
// timeout, and reports the statuses sorted by category then name.
func (r *Registry) Probe(ctx context.Context) []Status {
	entries := r.Entries()
	statuses := make([]Status, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		svc, err := r.Lookup(entry.Category, entry.Name)
		if err != nil {
			statuses[i] = Status{Category: entry.Category, Name: entry.Name, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, entry Entry, svc Service) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()

			start := time.Now()
			err := svc.Ping(probeCtx)
			status := Status{
				Category:  entry.Category,
				Name:      entry.Name,
				Available: err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				status.Error = err.Error()
			}
			statuses[i] = status
		}(i, entry, svc)
	}
	wg.Wait()
	return statuses
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/linguabridge/linguabridge/registry")
	gauge, err := meter.Int64ObservableGauge("linguabridge.services.registered",
		metric.WithDescription("Number of registered backend services"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.count())
		return nil
	}, gauge)
	return err
}

func (r *Registry) count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, byName := range r.items {
		n += int64(len(byName))
	}
	return n
}
