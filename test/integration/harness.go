// Package integration provides a reusable test harness for end-to-end
// testing of the process engine. It wires the engine exactly as the server
// does: definitions loaded from YAML, the in-memory process store, the log
// and Redis stream sinks, and the provider dispatcher and trail archiver on
// the asynchronous consumer pool.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/sbpm/internal/archive"
	"github.com/pitabwire/sbpm/internal/config"
	"github.com/pitabwire/sbpm/internal/definition"
	"github.com/pitabwire/sbpm/internal/display"
	"github.com/pitabwire/sbpm/internal/events"
	"github.com/pitabwire/sbpm/internal/idempotency"
	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/internal/provider"
	"github.com/pitabwire/sbpm/internal/transport"
	"github.com/pitabwire/sbpm/internal/workflow"
	"github.com/pitabwire/sbpm/model"
)

const (
	eventStream   = "sbpm:events"
	archivePrefix = "trails"
)

// TestHarness encapsulates a fully wired engine for integration testing.
type TestHarness struct {
	t *testing.T

	Engine    *workflow.Engine
	Store     *workflow.MemoryStore
	Registry  *definition.Registry
	Providers *provider.Registry
	Objects   *Bucket
	Redis     *miniredis.Miniredis
	Client    *redis.Client
	Logs      *observer.ObservedLogs
	Consumers *events.AsyncSink
	Metrics   *prometheus.Registry

	ops *httptest.Server
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs   []string
	providers        []provider.Provider
	failureThreshold int
	coolDown         time.Duration
	redisIdempotency bool
	workers          int
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithProvider registers an automatic task provider.
func WithProvider(p provider.Provider) HarnessOption {
	return func(c *harnessConfig) { c.providers = append(c.providers, p) }
}

// WithBreaker sets the provider circuit breaker thresholds.
func WithBreaker(failureThreshold int, coolDown time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.failureThreshold = failureThreshold
		c.coolDown = coolDown
	}
}

// WithRedisIdempotency backs start idempotency with the harness Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.redisIdempotency = true }
}

// WithWorkers sets the size of the consumer pool.
func WithWorkers(n int) HarnessOption {
	return func(c *harnessConfig) { c.workers = n }
}

// NewTestHarness creates a wired engine. Everything is torn down when the
// test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{"processes"},
		workers:        4,
	}
	for _, opt := range opts {
		opt(hc)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	// Definitions.
	providers := provider.NewRegistry()
	for _, p := range hc.providers {
		providers.Register(p)
	}
	dirs := make([]string, len(hc.definitionDirs))
	for i, d := range hc.definitionDirs {
		dirs[i] = filepath.Join(testdataDir(), d)
	}
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		t.Fatalf("loading definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs, providers); len(verrs) > 0 {
		t.Fatalf("definition validation failed: %v", verrs)
	}
	registry := definition.NewRegistry(defs)

	// Redis for the event stream and, optionally, idempotency.
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if hc.redisIdempotency {
		idem = idempotency.NewRedisStore(client)
	}

	store := workflow.NewMemoryStore()

	var sink events.Sink = events.Fanout{}
	engine := workflow.NewEngine(registry, store,
		workflow.WithEventSink(events.SinkFunc(func(ctx context.Context, ev model.LifecycleEvent) {
			sink.Publish(ctx, ev)
		})),
		workflow.WithEvaluator(display.NewTemplateEvaluator()),
		workflow.WithIdempotency(idem, time.Hour),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	bucket := NewBucket()
	stream := events.NewRedisSink(client, eventStream, 0, logger, metrics)
	dispatcher := provider.NewDispatcher(providers, engine,
		provider.WithBreaker(hc.failureThreshold, hc.coolDown),
		provider.WithTimeout(5*time.Second),
		provider.WithLogger(logger),
		provider.WithMetrics(metrics),
	)
	archiver := archive.NewArchiver(bucket, engine, archivePrefix, logger, metrics)

	consumers, err := events.NewAsyncSink("consumers", events.Fanout{
		events.Filter(events.Is(model.EventProviderTaskChanged, model.ActionCreate), dispatcher),
		events.Filter(events.Is(model.EventProcessInstanceChanged, model.ActionUpdate), archiver),
	}, hc.workers, logger, metrics)
	if err != nil {
		t.Fatalf("creating consumer pool: %v", err)
	}
	t.Cleanup(func() { _ = consumers.Close(5 * time.Second) })

	sink = events.Fanout{events.NewLogSink(logger), stream, consumers}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		ProcessStore:      store,
		EventStream:       stream,
		ArchiveStore:      bucket,
	}
	if rs, ok := idem.(*idempotency.RedisStore); ok {
		readiness.IdempotencyStore = rs
	}
	ops := httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:         config.Defaults(),
		Logger:         logger,
		Metrics:        metrics,
		Readiness:      readiness,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(ops.Close)

	return &TestHarness{
		t:         t,
		Engine:    engine,
		Store:     store,
		Registry:  registry,
		Providers: providers,
		Objects:   bucket,
		Redis:     mr,
		Client:    client,
		Logs:      logs,
		Consumers: consumers,
		Metrics:   reg,
		ops:       ops,
	}
}

// --- Engine helpers ---

// Start starts a process instance.
func (h *TestHarness) Start(t *testing.T, processModelID, user string) model.ProcessInstance {
	t.Helper()
	inst, err := h.Engine.Start(context.Background(), workflow.StartRequest{ProcessModelID: processModelID, User: user})
	if err != nil {
		t.Fatalf("Start(%s) error: %v", processModelID, err)
	}
	return inst
}

// Instance returns the instance with its subjects and objects.
func (h *TestHarness) Instance(t *testing.T, instanceID string) workflow.InstanceView {
	t.Helper()
	view, err := h.Engine.Get(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", instanceID, err)
	}
	return view
}

// Subject returns the subject of subjectModelID in an instance.
func (h *TestHarness) Subject(t *testing.T, instanceID, subjectModelID string) model.Subject {
	t.Helper()
	for _, s := range h.Instance(t, instanceID).Subjects {
		if s.SubjectModelID == subjectModelID {
			return s
		}
	}
	t.Fatalf("instance %s has no %s subject", instanceID, subjectModelID)
	return model.Subject{}
}

// Task returns the visible task of a subject.
func (h *TestHarness) Task(t *testing.T, subjectID string) model.TaskInfo {
	t.Helper()
	info, err := h.Engine.Task(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("Task(%s) error: %v", subjectID, err)
	}
	return info
}

// Advance moves a subject's visible task to target with the current
// version.
func (h *TestHarness) Advance(t *testing.T, subjectID, target, user string, objects map[string]map[string]any) {
	t.Helper()
	info := h.Task(t, subjectID)
	err := h.Engine.ChangeState(context.Background(), model.TaskRequest{
		SubjectID:     subjectID,
		TargetStateID: target,
		Version:       info.Version,
		User:          user,
		Objects:       objects,
	})
	if err != nil {
		t.Fatalf("ChangeState(%s -> %s) error: %v", info.StateID, target, err)
	}
}

// Settle waits until the consumer pool has handled every event, including
// the ones raised by providers along the way.
func (h *TestHarness) Settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.Consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("consumers did not settle, %d events pending", h.Consumers.Pending())
	}
}

// StreamEvents decodes every event written to the Redis stream.
func (h *TestHarness) StreamEvents(t *testing.T) []model.LifecycleEvent {
	t.Helper()
	ctx := context.Background()
	msgs, err := h.Client.XRange(ctx, eventStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange error: %v", err)
	}
	out := make([]model.LifecycleEvent, 0, len(msgs))
	for _, m := range msgs {
		_, ev, err := events.DecodeStreamEntry(ctx, m)
		if err != nil {
			t.Fatalf("decoding stream entry %s: %v", m.ID, err)
		}
		out = append(out, ev)
	}
	return out
}

// ArchiveKey returns the object key of an instance's archived trail.
func (h *TestHarness) ArchiveKey(processModelID, instanceID string) string {
	return archivePrefix + "/" + processModelID + "/" + instanceID + ".ndjson"
}

// GET performs a request against the operations server.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.ops.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// --- Object storage ---

// Bucket is an in-memory archive.ObjectStore.
type Bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	down    bool
}

// NewBucket creates an empty bucket.
func NewBucket() *Bucket {
	return &Bucket{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

// Put implements archive.ObjectStore.
func (b *Bucket) Put(_ context.Context, key string, body []byte, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errBucketDown
	}
	b.objects[key] = append([]byte(nil), body...)
	b.meta[key] = metadata
	return nil
}

// HealthCheck reports the simulated availability.
func (b *Bucket) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errBucketDown
	}
	return nil
}

// SetDown simulates an outage.
func (b *Bucket) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Get returns an object and its metadata.
func (b *Bucket) Get(key string) ([]byte, map[string]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[key]
	return body, b.meta[key], ok
}

// Keys returns all object keys, sorted.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type bucketError string

func (e bucketError) Error() string { return string(e) }

const errBucketDown = bucketError("bucket unavailable")

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
