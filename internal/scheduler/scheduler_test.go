package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nidsguard/internal/catalog"
	"nidsguard/internal/config"
	"nidsguard/internal/metrics"
	"nidsguard/internal/model"
	"nidsguard/internal/results"
)

type fixedSampler struct{}

func (fixedSampler) Sample() model.FeatureRecord {
	return model.FeatureRecord{
		ObservedAt:      time.Now(),
		SourceAddress:   "192.168.1.7",
		DestAddress:     "10.0.0.9",
		Port:            22,
		Protocol:        model.ProtocolTCP,
		PacketSizeBytes: 128,
	}
}

type fixedPicker struct {
	id  string
	err error
}

func (p fixedPicker) Pick(catalog.Rand) (string, error) {
	return p.id, p.err
}

// fakeGateway always answers with a fallback result after an optional delay
// or until release is closed.
type fakeGateway struct {
	delay   time.Duration
	release chan struct{}
	label   model.Label

	calls   atomic.Int32
	current atomic.Int32
	max     atomic.Int32
}

func (g *fakeGateway) Infer(ctx context.Context, modelID string, rec model.FeatureRecord, timeout time.Duration) model.PredictionResult {
	call := g.calls.Add(1)
	n := g.current.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	defer g.current.Add(-1)
	if g.release != nil {
		<-g.release
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	label := g.label
	if label == "" {
		label = model.LabelBenign
	}
	return model.PredictionResult{
		ID:             modelID + "-" + strconv.Itoa(int(call)),
		ModelID:        modelID,
		Label:          label,
		Confidence:     0.8,
		ProducedAt:     time.Now(),
		Source:         model.SourceFallback,
		FallbackReason: "unreachable",
	}
}

func newScheduler(cfg config.PipelineConfig, g Inferer, p Picker) (*Scheduler, *metrics.Collector) {
	prom := metrics.NewCollector()
	s := New(cfg, Deps{
		Sampler: fixedSampler{},
		Catalog: p,
		Gateway: g,
		Buffer:  results.NewBuffer(20),
		Stats:   metrics.NewStore(10),
		Metrics: prom,
	})
	return s, prom
}

func TestOnDemandRequestsAppendFallbackResults(t *testing.T) {
	s, _ := newScheduler(config.PipelineConfig{}, &fakeGateway{}, fixedPicker{id: "ddos-detector"})
	defer s.Stop()
	for i := 0; i < 5; i++ {
		res, err := s.RequestPrediction(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, model.SourceFallback, res.Source)
	}
	snap := s.Buffer().Snapshot()
	require.Len(t, snap, 5)
	for _, r := range snap {
		assert.Equal(t, model.SourceFallback, r.Source)
		assert.Equal(t, "ddos-detector", r.ModelID)
	}
	assert.Equal(t, StateIdle, s.State())
}

func TestRequestWhileDispatchingIsBusy(t *testing.T) {
	g := &fakeGateway{release: make(chan struct{})}
	s, _ := newScheduler(config.PipelineConfig{}, g, fixedPicker{id: "m"})
	defer s.Stop()

	errc := make(chan error, 1)
	go func() {
		_, err := s.RequestPrediction(context.Background(), Request{})
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.State() == StateDispatching }, time.Second, time.Millisecond)

	_, err := s.RequestPrediction(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, s.Buffer().Len())

	close(g.release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, s.Buffer().Len())
	assert.EqualValues(t, 1, g.calls.Load())
}

func TestCadenceKeepsSingleCallInFlight(t *testing.T) {
	g := &fakeGateway{delay: 30 * time.Millisecond}
	s, prom := newScheduler(config.PipelineConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}, g, fixedPicker{id: "m"})
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(250 * time.Millisecond)
	s.Stop()

	assert.EqualValues(t, 1, g.max.Load())
	assert.Greater(t, g.calls.Load(), int32(0))
	n, err := testutil.GatherAndCount(prom.Registry(), "nidsguard_ticks_dropped_total")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	snap := s.Buffer().Snapshot()
	assert.LessOrEqual(t, len(snap), 20)
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].ProducedAt.Before(snap[i-1].ProducedAt))
	}
}

func TestStopDrainsInFlightCall(t *testing.T) {
	g := &fakeGateway{delay: 100 * time.Millisecond}
	s, _ := newScheduler(config.PipelineConfig{Timeout: 200 * time.Millisecond}, g, fixedPicker{id: "m"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RequestPrediction(context.Background(), Request{})
	}()
	require.Eventually(t, func() bool { return s.State() == StateDispatching }, time.Second, time.Millisecond)

	s.Stop()
	assert.Equal(t, 1, s.Buffer().Len())
	<-done

	_, err := s.RequestPrediction(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
	s.Stop()
}

func TestNoActiveModels(t *testing.T) {
	g := &fakeGateway{}
	s, _ := newScheduler(config.PipelineConfig{}, g, fixedPicker{err: catalog.ErrNoActiveModels})
	defer s.Stop()

	_, err := s.RequestPrediction(context.Background(), Request{})
	assert.True(t, errors.Is(err, catalog.ErrNoActiveModels))
	assert.Equal(t, 0, s.Buffer().Len())
	assert.EqualValues(t, 0, g.calls.Load())
	assert.Equal(t, StateIdle, s.State())

	res, err := s.RequestPrediction(context.Background(), Request{ModelID: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", res.ModelID)
}

func TestInvalidRecordRejected(t *testing.T) {
	s, _ := newScheduler(config.PipelineConfig{}, &fakeGateway{}, fixedPicker{id: "m"})
	defer s.Stop()
	rec := fixedSampler{}.Sample()
	rec.Port = 70000
	_, err := s.RequestPrediction(context.Background(), Request{Record: &rec})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Equal(t, 0, s.Buffer().Len())
}

func TestSinksReceiveResultsInOrder(t *testing.T) {
	s, _ := newScheduler(config.PipelineConfig{}, &fakeGateway{label: model.LabelThreat}, fixedPicker{id: "m"})
	var mu sync.Mutex
	var got []string
	s.AddSink("collect", func(ctx context.Context, res model.PredictionResult) error {
		mu.Lock()
		got = append(got, res.ID)
		mu.Unlock()
		return nil
	})
	s.AddSink("broken", func(ctx context.Context, res model.PredictionResult) error {
		return errors.New("down")
	})

	var want []string
	for i := 0; i < 4; i++ {
		res, err := s.RequestPrediction(context.Background(), Request{})
		require.NoError(t, err)
		want = append(want, res.ID)
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
	st, ok := s.stats.Get("m")
	require.True(t, ok)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 4, st.Threats)
	assert.Equal(t, 4, st.Fallbacks)
}

func TestCooldown(t *testing.T) {
	c := NewCooldown(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	assert.True(t, c.Allow("a"))
	assert.False(t, c.Allow("a"))
	assert.True(t, c.Allow("b"))
	now = now.Add(2 * time.Minute)
	assert.True(t, c.Allow("a"))

	assert.True(t, NewCooldown(0).Allow("a"))
	assert.True(t, NewCooldown(0).Allow("a"))
}
