package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/config"
	memorypublisher "github.com/JakeFAU/gce-vm-relay/internal/publisher/memory"
	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

func TestServer_Start_ResolvesQueryInstance(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	server := newTestServer(ctrl, memorypublisher.New())

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []call{{
		action: relay.ActionStart,
		ref:    relay.InstanceRef{Project: "proj1", Zone: "asia-northeast1-b", Instance: "vm-a"},
	}}, ctrl.recorded())

	res := decodeResult(t, rec)
	require.True(t, res.Accepted)
	require.Equal(t, "op-start-vm-a", res.OperationID)
	require.Equal(t, "vm-a", res.Instance)
	require.Empty(t, res.Error)
}

func TestServer_Stop_ZoneOverride(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	server := newTestServer(ctrl, memorypublisher.New())

	rec := serve(server, http.MethodPost, "/vm/stop?instance=vm-b&zone=us-central1-a")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []call{{
		action: relay.ActionStop,
		ref:    relay.InstanceRef{Project: "proj1", Zone: "us-central1-a", Instance: "vm-b"},
	}}, ctrl.recorded())
}

func TestServer_ProjectIsNotOverridable(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	server := newTestServer(ctrl, memorypublisher.New())

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a&project=other")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "proj1", ctrl.recorded()[0].ref.Project)
}

func TestServer_Stop_MissingInstanceIsRejected(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	pub := memorypublisher.New()
	server := newTestServer(ctrl, pub)

	rec := serve(server, http.MethodPost, "/vm/stop")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ctrl.recorded(), "no API call may be issued")
	require.Empty(t, pub.Messages(), "validation failures are not provider operations")

	res := decodeResult(t, rec)
	require.False(t, res.Accepted)
	require.Equal(t, relay.ErrorKindValidation, res.Error)
	require.Contains(t, res.Message, "instance")
}

func TestServer_Start_MissingZoneIsRejected(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	cfg := testConfig()
	cfg.GCE.Zone = ""
	server := NewServer(ctrl, nil, &fakeIDGen{}, fakeClock{}, cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ctrl.recorded())
	require.Contains(t, decodeResult(t, rec).Message, "zone")
}

func TestServer_Start_ProviderNotFound(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.err = &relay.ProviderError{
		Status:  http.StatusNotFound,
		Message: "The resource 'projects/proj1/zones/asia-northeast1-b/instances/ghost' was not found",
	}
	pub := memorypublisher.New()
	server := newTestServer(ctrl, pub)

	rec := serve(server, http.MethodPost, "/vm/start?instance=ghost")

	require.Equal(t, http.StatusNotFound, rec.Code)
	res := decodeResult(t, rec)
	require.False(t, res.Accepted)
	require.Equal(t, relay.ErrorKindProvider, res.Error)
	require.Contains(t, res.Message, "was not found")

	events := pub.Events()
	require.Len(t, events, 1)
	require.False(t, events[0].Accepted)
	require.Equal(t, http.StatusNotFound, events[0].Status)
	require.Equal(t, "ghost", events[0].Instance)
}

func TestServer_Start_UnclassifiedFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.err = errors.New("connection reset by peer")
	server := newTestServer(ctrl, nil)

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, relay.ErrorKindProvider, decodeResult(t, rec).Error)
}

func TestServer_PublishesAcceptedEvent(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	server := newTestServer(newFakeController(), pub)

	req := httptest.NewRequest(http.MethodPost, "/vm/start?instance=vm-a", nil)
	req.Header.Set(requestIDHeader, "req-from-caller")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "vm-operations", msgs[0].Topic)
	ev, ok := msgs[0].Payload.(relay.OperationEvent)
	require.True(t, ok)
	require.Equal(t, "req-from-caller", ev.RequestID)
	require.Equal(t, "op-start-vm-a", ev.OperationID)
	require.Equal(t, time.Unix(100, 0).UTC(), ev.Timestamp)
}

func TestServer_PublishFailureDoesNotChangeResponse(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	pub.FailWith(errors.New("topic gone"))
	server := newTestServer(newFakeController(), pub)

	rec := serve(server, http.MethodPost, "/vm/stop?instance=vm-a")

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeResult(t, rec).Accepted)
}

func TestServer_HandlerTimeoutRespondsWithJSON(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.barrier = newBarrier(2) // never completed by a single request
	cfg := testConfig()
	cfg.Server.HandlerTimeout = 50 * time.Millisecond
	server := NewServer(ctrl, memorypublisher.New(), &fakeIDGen{}, fakeClock{}, cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	result := decodeResult(t, rec)
	require.False(t, result.Accepted)
	require.Equal(t, relay.ErrorKindTimeout, result.Error)
}

func TestServer_Healthz_NeverCallsProvider(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.err = errors.New("compute API unreachable")
	server := newTestServer(ctrl, nil)

	rec := serve(server, http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Empty(t, ctrl.recorded())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeController(), nil), http.MethodGet, "/readyz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeController(), nil)
	_ = serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	rec := serve(server, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "relay_vm_operations_total")
}

func TestServer_WrongMethodAndUnknownRoute(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	server := newTestServer(ctrl, nil)

	require.Equal(t, http.StatusMethodNotAllowed, serve(server, http.MethodGet, "/vm/start?instance=vm-a").Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodPost, "/vm/reboot").Code)
	require.Empty(t, ctrl.recorded())
}

func TestServer_SetsRequestID(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeController(), nil)

	rec := serve(server, http.MethodGet, "/healthz")
	require.Equal(t, "req-1", rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get(requestIDHeader))
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.panicWith = "controller exploded"
	server := newTestServer(ctrl, nil)

	rec := serve(server, http.MethodPost, "/vm/start?instance=vm-a")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_ConcurrentStartsDoNotBlock(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.barrier = newBarrier(2)
	server := newTestServer(ctrl, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	instances := []string{"vm-a", "vm-b"}
	codes := make([]int, len(instances))
	var wg sync.WaitGroup
	for i, name := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/vm/start?instance="+name, "application/json", nil)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			codes[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	require.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	require.Len(t, ctrl.recorded(), 2)
}

func TestServer_ClientDisconnectDoesNotCancelProviderCall(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.seenCtxErr = make(chan error, 1)
	server := newTestServer(ctrl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/vm/stop?instance=vm-a", nil).WithContext(ctx)
	server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	select {
	case err := <-ctrl.seenCtxErr:
		require.NoError(t, err, "provider call must run on a context detached from the caller")
	case <-time.After(2 * time.Second):
		t.Fatal("controller was never called")
	}
}

// --- helpers ---------------------------------------------------------------

type call struct {
	action relay.Action
	ref    relay.InstanceRef
}

type fakeController struct {
	mu         sync.Mutex
	calls      []call
	err        error
	panicWith  any
	barrier    *barrier
	seenCtxErr chan error
}

func newFakeController() *fakeController {
	return &fakeController{}
}

func (f *fakeController) Start(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	return f.handle(ctx, relay.ActionStart, ref)
}

func (f *fakeController) Stop(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	return f.handle(ctx, relay.ActionStop, ref)
}

func (f *fakeController) handle(ctx context.Context, action relay.Action, ref relay.InstanceRef) (relay.Operation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{action: action, ref: ref})
	err, panicWith, b := f.err, f.panicWith, f.barrier
	f.mu.Unlock()

	if f.seenCtxErr != nil {
		f.seenCtxErr <- ctx.Err()
	}
	if panicWith != nil {
		panic(panicWith)
	}
	if b != nil {
		if waitErr := b.wait(ctx, 2*time.Second); waitErr != nil {
			return relay.Operation{}, waitErr
		}
	}
	if err != nil {
		return relay.Operation{}, err
	}
	return relay.Operation{ID: "op-" + string(action) + "-" + ref.Instance, Status: "RUNNING"}, nil
}

func (f *fakeController) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// barrier releases all waiters once n of them have arrived.
type barrier struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context, limit time.Duration) error {
	b.mu.Lock()
	b.n--
	if b.n == 0 {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(limit):
		return errors.New("peer request never arrived: requests are serialized")
	}
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "req-" + string(rune('0'+g.n)), nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(100, 0).UTC() }

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, HandlerTimeout: 10 * time.Second},
		GCE: config.GCEConfig{
			ProjectID:      "proj1",
			Zone:           "asia-northeast1-b",
			RequestTimeout: 5 * time.Second,
		},
		PubSub: config.PubSubConfig{ProjectID: "proj1", TopicID: "vm-operations"},
	}
}

func newTestServer(ctrl relay.Controller, pub relay.Publisher) *Server {
	return NewServer(ctrl, pub, &fakeIDGen{}, fakeClock{}, testConfig(), zap.NewNop())
}

func serve(server *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) relay.OperationResult {
	t.Helper()
	var res relay.OperationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}
