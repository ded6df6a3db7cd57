package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"starpay/internal/models"
)

func fastDispatcherConfig() Config {
	return Config{
		RefreshInterval: time.Hour, // only the initial refresh in tests
		Queue:           fastQueueConfig,
		Sender:          fastSenderConfig,
	}
}

func activeDistributor(id int64) models.Distributor {
	return models.Distributor{ID: id, Credential: testCredential(byte(id)), Active: true}
}

func manyOps(n int) []*models.Operation {
	ops := make([]*models.Operation, n)
	for i := range ops {
		ops[i] = models.NewOperation("dest", models.Asset{Code: "TOK", Issuer: "ISS"}, decimal.NewFromInt(1))
	}
	return ops
}

func TestDispatcher_SubmitZeroOps(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d := New(gw, newFakeSettings(), &fakeSource{}, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	if err := d.Submit(nil, "", "t1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.PendingDepth() != 0 {
		t.Errorf("PendingDepth = %d, want 0", d.PendingDepth())
	}
}

func TestDispatcher_SubmitWithoutDistributors(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d := New(gw, newFakeSettings(), &fakeSource{}, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	err := d.Submit(manyOps(3), "", "t1")
	if !errors.Is(err, ErrNoDistributors) {
		t.Fatalf("err = %v, want ErrNoDistributors", err)
	}
}

func TestDispatcher_ChunksIntoBatches(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1)}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	if err := d.Submit(manyOps(250), "", "t1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.PendingDepth() != 0 {
		t.Errorf("PendingDepth = %d, want 0 after admission", d.PendingDepth())
	}

	waitFor(t, func() bool { return gw.callCount() == 3 })
	if got := gw.callSizes(); got[0] != 100 || got[1] != 100 || got[2] != 50 {
		t.Errorf("call sizes = %v, want [100 100 50]", got)
	}
}

func TestDispatcher_BalancesAcrossQueues(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1), activeDistributor(2)}}
	cfg := fastDispatcherConfig()
	// Workers idle for the whole test so queue sizes stay observable.
	cfg.Queue = QueueConfig{IdleGap: time.Hour, RetryDelay: time.Hour}
	d := New(gw, newFakeSettings(), source, nil, cfg)
	d.Start(context.Background())
	defer d.Shutdown(time.Millisecond)

	if err := d.Submit(manyOps(150), "", "t1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sizes := d.QueueSizes()
	if sizes[1] != 1 || sizes[2] != 1 {
		t.Errorf("queue sizes = %v, want one batch per distributor", sizes)
	}
}

func TestDispatcher_AdmissionFailureKeepsPending(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1)}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	// Close the only queue behind the dispatcher's back, forcing the
	// enqueue to be rejected.
	d.mu.Lock()
	q := d.queues[1]
	d.mu.Unlock()
	q.Quit()

	err := d.Submit(manyOps(5), "", "t1")
	if !errors.Is(err, ErrAdmissionFailed) {
		t.Fatalf("err = %v, want ErrAdmissionFailed", err)
	}
	if d.PendingDepth() != 5 {
		t.Errorf("PendingDepth = %d, want 5 (unadmitted ops retained)", d.PendingDepth())
	}
}

func TestDispatcher_RefreshAddsAndEvicts(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1), activeDistributor(2)}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	if d.QueueCount() != 2 {
		t.Fatalf("QueueCount = %d, want 2", d.QueueCount())
	}

	// Distributor 1 goes inactive upstream, 3 appears.
	source.set([]models.Distributor{activeDistributor(2), activeDistributor(3)})
	d.refresh(context.Background())

	sizes := d.QueueSizes()
	if len(sizes) != 2 {
		t.Fatalf("queue count = %d, want 2", len(sizes))
	}
	if _, ok := sizes[1]; ok {
		t.Error("distributor 1 should have been evicted")
	}
	if _, ok := sizes[3]; !ok {
		t.Error("distributor 3 should have been added")
	}
}

func TestDispatcher_RefreshSkipsMalformedCredential(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{
		activeDistributor(1),
		{ID: 2, Credential: models.Credential{Address: "not-a-key", Seed: "nope"}, Active: true},
	}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	if d.QueueCount() != 1 {
		t.Errorf("QueueCount = %d, want 1 (malformed credential skipped)", d.QueueCount())
	}
}

func TestDispatcher_RefreshSourceFailureKeepsFleet(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1)}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())
	defer d.Shutdown(time.Second)

	source.mu.Lock()
	source.err = errors.New("db down")
	source.mu.Unlock()
	d.refresh(context.Background())

	if d.QueueCount() != 1 {
		t.Errorf("QueueCount = %d, want 1 (fleet kept on source failure)", d.QueueCount())
	}
}

func TestDispatcher_EndToEndDelivery(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	source := &fakeSource{dists: []models.Distributor{activeDistributor(1)}}
	d := New(gw, newFakeSettings(), source, nil, fastDispatcherConfig())
	d.Start(context.Background())

	if err := d.Submit(manyOps(10), "payday", "run-42"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return gw.callCount() == 1 })
	if got := gw.callSizes(); got[0] != 10 {
		t.Errorf("call sizes = %v, want [10]", got)
	}

	d.Shutdown(time.Second)
	if gw.callCount() != 1 {
		t.Errorf("call count after shutdown = %d, want 1", gw.callCount())
	}
}
