package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetflow/internal/observe"
)

type fakeModel struct {
	key    Key
	closed atomic.Bool
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var testKey = Key{Capability: CapabilityTranscribe, Language: AnyLanguage, Device: DeviceCPU}

func TestAcquire_ConcurrentFirstUseLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	c := New(func(_ context.Context, key Key) (*fakeModel, error) {
		calls.Add(1)
		<-gate
		return &fakeModel{key: key}, nil
	}, WithMetrics(testMetrics(t)))

	const n = 16
	var wg sync.WaitGroup
	handles := make([]*Handle[*fakeModel], n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = c.Acquire(context.Background(), testKey)
		}()
	}

	// Let every goroutine reach the in-flight load before it completes.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Acquire %d: %v", i, errs[i])
		}
		if handles[i].Value() != handles[0].Value() {
			t.Fatalf("handle %d got a different model instance", i)
		}
	}
	if err := c.Evict(testKey); !errors.Is(err, ErrInUse) {
		t.Errorf("Evict with %d outstanding handles: got %v, want ErrInUse", n, err)
	}
	for _, h := range handles {
		h.Release()
		h.Release() // double release is a no-op
	}
	if err := c.Evict(testKey); err != nil {
		t.Errorf("Evict after release: %v", err)
	}
	if !handles[0].Value().closed.Load() {
		t.Error("evicted model was not closed")
	}
}

func TestAcquire_LoadErrorReplayedNotCached(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	loadErr := errors.New("model file missing")
	c := New(func(context.Context, Key) (*fakeModel, error) {
		if calls.Add(1) == 1 {
			<-gate
			return nil, loadErr
		}
		return &fakeModel{}, nil
	}, WithMetrics(testMetrics(t)))

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), testKey)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, loadErr) {
			t.Errorf("waiter %d: got %v, want load error", i, err)
		}
	}
	if c.Len() != 0 {
		t.Errorf("failed load cached: Len = %d", c.Len())
	}

	h, err := c.Acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	h.Release()
	if got := calls.Load(); got != 2 {
		t.Errorf("loader called %d times, want 2", got)
	}
}

func TestAcquire_DistinctKeysLoadSeparately(t *testing.T) {
	c := New(func(_ context.Context, key Key) (*fakeModel, error) {
		return &fakeModel{key: key}, nil
	}, WithMetrics(testMetrics(t)))

	keys := []Key{
		{CapabilityTranscribe, AnyLanguage, DeviceCPU},
		{CapabilityAlign, "en", DeviceCPU},
		{CapabilityAlign, "de", DeviceCPU},
		{CapabilityAlign, "de", DeviceCUDA},
	}
	for _, k := range keys {
		h, err := c.Acquire(context.Background(), k)
		if err != nil {
			t.Fatalf("Acquire(%s): %v", k, err)
		}
		if h.Value().key != k {
			t.Errorf("got model for %s, want %s", h.Value().key, k)
		}
		h.Release()
	}
	if c.Len() != len(keys) || c.Loads() != int64(len(keys)) {
		t.Errorf("Len=%d Loads=%d, want %d", c.Len(), c.Loads(), len(keys))
	}
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	gate := make(chan struct{})
	c := New(func(context.Context, Key) (*fakeModel, error) {
		<-gate
		return &fakeModel{}, nil
	}, WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Acquire(ctx, testKey); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	// The detached load still completes and serves later callers.
	close(gate)
	h, err := c.Acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	if c.Loads() != 1 {
		t.Errorf("Loads = %d, want 1", c.Loads())
	}
}

func TestPreload(t *testing.T) {
	c := New(func(_ context.Context, key Key) (*fakeModel, error) {
		if key.Language == "xx" {
			return nil, errors.New("no model for xx")
		}
		return &fakeModel{key: key}, nil
	}, WithMetrics(testMetrics(t)))

	if c.Preloaded() {
		t.Fatal("Preloaded before Preload")
	}
	err := c.Preload(context.Background(),
		Key{CapabilityTranscribe, AnyLanguage, DeviceCPU},
		Key{CapabilityAlign, "xx", DeviceCPU},
	)
	if err == nil {
		t.Error("expected joined error for the failing key")
	}
	if !c.Preloaded() {
		t.Error("Preloaded = false after Preload")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestClose(t *testing.T) {
	c := New(func(context.Context, Key) (*fakeModel, error) { return &fakeModel{}, nil }, WithMetrics(testMetrics(t)))

	h, err := c.Acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	model := h.Value()
	h.Release()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !model.closed.Load() {
		t.Error("Close did not close loaded models")
	}
	if _, err := c.Acquire(context.Background(), testKey); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close: got %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEvict_Missing(t *testing.T) {
	c := New(func(context.Context, Key) (*fakeModel, error) { return &fakeModel{}, nil }, WithMetrics(testMetrics(t)))
	if err := c.Evict(testKey); err != nil {
		t.Errorf("Evict of unloaded key: %v", err)
	}
}

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		nodeExists bool
		env        map[string]string
		want       string
	}{
		{"explicit cpu", "cpu", true, nil, "cpu"},
		{"explicit cuda", "cuda", false, nil, "cuda"},
		{"auto with device node", "auto", true, nil, "cuda"},
		{"auto with env", "auto", false, map[string]string{"CUDA_VISIBLE_DEVICES": "0"}, "cuda"},
		{"auto with disabled env", "auto", false, map[string]string{"CUDA_VISIBLE_DEVICES": "-1"}, "cpu"},
		{"empty means auto", "", false, nil, "cpu"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveDevice(tc.configured,
				func(string) bool { return tc.nodeExists },
				func(k string) (string, bool) { v, ok := tc.env[k]; return v, ok },
			)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
