package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/RunnerWatch/config"
	"github.com/BearBump/RunnerWatch/internal/broker/messages"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/fake"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery/tradeethttp"
	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/BearBump/RunnerWatch/internal/services/dispatcher"
	"github.com/BearBump/RunnerWatch/internal/services/watcher"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	mu   sync.Mutex
	msgs []messages.WatchOutcome
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	var o messages.WatchOutcome
	if err := json.Unmarshal(value, &o); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, o)
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) published() []messages.WatchOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messages.WatchOutcome(nil), p.msgs...)
}

type acceptingClient struct{}

func (acceptingClient) CreateRequest(ctx context.Context, in models.DeliveryRequestInput) (models.DeliveryRequest, error) {
	return models.DeliveryRequest{RequestID: "d-" + in.OrderID}, nil
}

func (acceptingClient) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	return models.AcceptanceAccepted, nil
}

type scriptedConsumer struct {
	values [][]byte
}

func (c scriptedConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, v := range c.values {
		if err := handler([]byte("k"), v); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultWorkerFactories_SelectDeliveryClient(t *testing.T) {
	f := defaultWorkerFactories()

	c, backend := f.newDeliveryClient(&config.Config{})
	_, ok := c.(*fake.FakeClient)
	require.True(t, ok)
	require.Equal(t, "fake", backend)

	c, backend = f.newDeliveryClient(&config.Config{RunnerWatch: config.RunnerWatchConfig{
		DeliveryBaseURL: "http://tradeet.local",
		DeliveryToken:   "tok",
		StoreID:         "store-1",
	}})
	_, ok = c.(*tradeethttp.Client)
	require.True(t, ok)
	require.Equal(t, "tradeet", backend)
}

func TestDefaultWorkerFactories_TokenWithoutStoreStillAuthorizes(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	c, backend := defaultWorkerFactories().newDeliveryClient(&config.Config{RunnerWatch: config.RunnerWatchConfig{
		DeliveryBaseURL: srv.URL,
		DeliveryToken:   "tok",
	}})
	require.Equal(t, "tradeet", backend)

	st, err := c.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, models.AcceptanceAccepted, st)
	require.Equal(t, "Bearer tok", <-auth)
}

func TestDefaultWorkerFactories_ProducerRateLimiterConsumer_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	p, closeP := f.newProducer(cfg)
	require.NotNil(t, p)
	closeP()

	rl, closeRL := f.newRateLimiter(cfg)
	require.NotNil(t, rl)
	closeRL()

	c, closeC := f.newConsumer(cfg, "runner.watch", "runner-worker")
	require.NotNil(t, c)
	closeC()
}

func testFactories(prod *recordingProducer, consumer kafkaConsumer) workerFactories {
	return workerFactories{
		newProducer: func(cfg *config.Config) (dispatcher.Producer, func()) {
			return prod, nil
		},
		newRateLimiter: func(cfg *config.Config) (watcher.RateLimiter, func()) {
			return nil, nil
		},
		newDeliveryClient: func(cfg *config.Config) (delivery.Client, string) {
			return acceptingClient{}, "test"
		},
		newConsumer: func(cfg *config.Config, topic, group string) (kafkaConsumer, func()) {
			return consumer, nil
		},
	}
}

func TestRunRunnerWorker_WatchesAndServesStats(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "worker.swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	cmd, _ := json.Marshal(messages.WatchCommand{Kind: messages.WatchStart, ID: "rr-1", RequestID: "d-1"})
	prod := &recordingProducer{}
	f := testFactories(prod, scriptedConsumer{values: [][]byte{cmd, []byte("garbage")}})

	cfg := &config.Config{RunnerWatch: config.RunnerWatchConfig{WatchIntervalMS: 10, WatchTimeoutMS: 1000}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunRunnerWorker(ctx, cfg, f, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()
	base := "http://" + <-addrCh

	require.Eventually(t, func() bool { return len(prod.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, string(models.OutcomeAccepted), prod.published()[0].Outcome)
	require.Equal(t, "rr-1", prod.published()[0].ID)

	var stats dispatcher.Stats
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&stats) == nil && stats.TotalAccepted == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), stats.TotalErrors)

	for path, want := range map[string]string{
		"/healthz":      `"ok"`,
		"/readyz":       `"ready"`,
		"/config":       `"concurrency":100`,
		"/swagger.json": `"swagger"`,
		"/metrics":      `runnerwatch_watcher_started_total 1`,
	} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Contains(t, string(body), want, path)
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting worker to stop")
	}
}

func TestRunRunnerWorker_SwaggerRequired(t *testing.T) {
	prod := &recordingProducer{}
	f := testFactories(prod, scriptedConsumer{})

	err := RunRunnerWorker(context.Background(), &config.Config{}, f, workerHTTPOpts{httpAddr: "127.0.0.1:0"})
	require.ErrorContains(t, err, "swaggerPath")
}
