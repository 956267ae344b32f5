package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse/dimsetest"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

const ctSOPClass = "1.2.840.10008.5.1.4.1.1.2"

type fixture struct {
	store   cache.Store
	archive *dimsetest.Archive
	pool    *Pool
	coord   *Coordinator
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	archive := dimsetest.NewArchive()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 4)
	t.Cleanup(func() {
		cancel()
		pool.Close()
	})

	logs := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	if cfg.Endpoint.RemoteAETitle == "" {
		cfg.Endpoint = dimse.Endpoint{LocalAETitle: "BROKER", RemoteAETitle: "PACS", Host: "pacs.local", Port: 11112}
	}
	if cfg.Destination == "" {
		cfg.Destination = "BROKER_SCP"
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	coord := NewCoordinator(store, archive, pool, cfg, opts...)
	return &fixture{store: store, archive: archive, pool: pool, coord: coord, logs: logs}
}

func (f *fixture) writeObjects(t *testing.T, study, series string, n, offset int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ds := dimsetest.NewDataset(study, series, fmt.Sprintf("%s.%d", series, offset+i), []byte("pixels"))
		if _, err := f.store.WriteObject(context.Background(), ds, dcm.ExplicitVRLittleEndian, ctSOPClass); err != nil {
			t.Errorf("write object error: %v", err)
		}
	}
}

func waitForTerminal(t *testing.T, store cache.Store, id cache.Identifier) *cache.Entry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := store.Lookup(context.Background(), id)
		if err == nil && entry.Status.Terminal() {
			return entry
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("entry %s did not reach a terminal status", id)
	return nil
}

// advance keeps moving a mock clock forward until stop is closed.
func advance(mClock *clock.Mock, step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			mClock.Add(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAcquireSchedulesExactlyOneTask(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1, IdleTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	release := make(chan struct{})
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		<-release
		f.writeObjects(t, "1.2", "1.2.3", 2, 0)
		return []dimse.Response{
			dimsetest.MoveResponse(dimse.StatusPending, 1, 1, 0, 0),
			dimsetest.MoveResponse(dimse.StatusSuccess, 0, 2, 0, 0),
		}, nil
	}

	id := cache.Identifier{Study: "1.2"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := f.coord.Acquire(context.Background(), id)
			if err != nil {
				t.Errorf("acquire error: %v", err)
				return
			}
			if entry.Status != cache.StatusInProgress {
				t.Errorf("expected in-progress entry, got %s", entry.Status)
			}
		}()
	}
	wg.Wait()
	close(release)

	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusCompleted || entry.Completed != 2 {
		t.Fatalf("unexpected terminal entry: %+v", entry)
	}
	if got := len(f.archive.MoveKeys()); got != 1 {
		t.Fatalf("expected exactly one C-MOVE, got %d", got)
	}
	keys := f.archive.MoveKeys()[0]
	if keys.String(dcm.QueryRetrieveLevel) != "STUDY" || keys.String(dcm.StudyInstanceUID) != "1.2" || keys.Contains(dcm.SeriesInstanceUID) {
		t.Fatalf("unexpected move keys: %v", keys.Tags())
	}
	if f.archive.Releases() != 1 {
		t.Fatalf("session should be released once, got %d", f.archive.Releases())
	}
}

func TestAcquireReturnsExistingEntryWithoutWork(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	id := cache.Identifier{Study: "1.2", Series: "1.2.3"}
	if _, err := f.store.MarkFailed(ctx, id, "old failure", cache.UnknownCounters()); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	entry, err := f.coord.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if entry.Status != cache.StatusFailed || entry.Error != "old failure" {
		t.Fatalf("expected the stored failure, got %+v", entry)
	}
	f.pool.Close()
	if f.archive.Dials() != 0 {
		t.Fatalf("no association expected, got %d", f.archive.Dials())
	}
}

func TestAcquireUsesCompletedAncestor(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	if _, err := f.store.MarkCompleted(ctx, cache.Identifier{Study: "1.2"}, 5, 0); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	entry, err := f.coord.Acquire(ctx, cache.Identifier{Study: "1.2", Series: "1.2.3", Instance: "1.2.3.4"})
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if entry.Status != cache.StatusCompleted || entry.Completed != 5 {
		t.Fatalf("expected synthetic completed entry, got %+v", entry)
	}
	f.pool.Close()
	if f.archive.Dials() != 0 {
		t.Fatalf("ancestor hit must not dial")
	}
}

func TestIgnoreMissingAcceptsPartialAfterIdleTimeout(t *testing.T) {
	mClock := clock.NewMock()
	mClock.Set(time.Now())
	f := newFixture(t, Config{
		MaxAttempts:   1,
		IdleTimeout:   5 * time.Second,
		PollInterval:  time.Second,
		IgnoreMissing: true,
	}, WithClock(mClock))
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		f.writeObjects(t, "1.2", "1.2.3", 7, 0)
		return []dimse.Response{dimsetest.MoveResponse(dimse.StatusSuccess, 0, 10, 0, 0)}, nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go advance(mClock, time.Second, stop)

	id := cache.Identifier{Study: "1.2", Series: "1.2.3"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusCompleted || entry.Completed != 7 {
		t.Fatalf("expected partial completion with 7 objects, got %+v", entry)
	}
	if !strings.Contains(f.logs.String(), "missing objects") {
		t.Fatalf("partial completion should be logged as a warning")
	}
}

func TestUnknownExpectedCompletesOnceObjectsStopArriving(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1, IdleTimeout: 30 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		f.writeObjects(t, "1.2", "1.2.3", 3, 0)
		cmd := dcm.NewAttributes()
		cmd.SetInt(dcm.Status, dimse.StatusSuccess)
		return []dimse.Response{{Command: cmd}}, nil
	}

	id := cache.Identifier{Study: "1.2"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusCompleted || entry.Completed != 3 {
		t.Fatalf("expected completion with observed count, got %+v", entry)
	}
}

func TestRetryExhaustionRecordsFailure(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, RetryDelay: time.Minute})
	f.archive.DialErr = errors.New("connection refused")

	var mu sync.Mutex
	var delays []time.Duration
	f.coord.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	id := cache.Identifier{Study: "1.2", Series: "1.2.3", Instance: "1.2.3.4"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusFailed || !strings.Contains(entry.Error, "connection refused") {
		t.Fatalf("unexpected terminal entry: %+v", entry)
	}
	if f.archive.Dials() != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.archive.Dials())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 || delays[0] != time.Minute {
		t.Fatalf("expected exactly 2 delays of 1m, got %v", delays)
	}
}

func TestRemoteFailureMessageWins(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	f.coord.sleep = func(context.Context, time.Duration) error { return nil }
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		return []dimse.Response{dimsetest.FailureResponse(0xA701, "Out of resources")}, nil
	}

	id := cache.Identifier{Study: "1.2"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	want := "DICOM Error: 0xA701. DICOM Error Comment: Out of resources"
	if entry.Status != cache.StatusFailed || entry.Error != want {
		t.Fatalf("expected %q, got %+v", want, entry)
	}
	if entry.Remaining != 0 {
		t.Fatalf("terminal response should zero remaining, got %d", entry.Remaining)
	}
}

func TestIdleTimeoutWithoutObjectsFailsWithTimeout(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1, IdleTimeout: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		return []dimse.Response{dimsetest.MoveResponse(dimse.StatusSuccess, 0, 3, 0, 0)}, nil
	}

	id := cache.Identifier{Study: "1.2"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusFailed || entry.Error != "Timeout" || entry.Completed != 3 {
		t.Fatalf("unexpected terminal entry: %+v", entry)
	}
}

func TestLaterAttemptCompletesFromObjectsThatArrivedMeanwhile(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, IdleTimeout: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		f.writeObjects(t, "1.2", "1.2.3", 1, 0)
		return []dimse.Response{dimsetest.MoveResponse(dimse.StatusSuccess, 0, 2, 0, 0)}, nil
	}
	f.coord.sleep = func(context.Context, time.Duration) error {
		f.writeObjects(t, "1.2", "1.2.3", 1, 1)
		return nil
	}

	id := cache.Identifier{Study: "1.2"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	entry := waitForTerminal(t, f.store, id)
	if entry.Status != cache.StatusCompleted || entry.Completed != 2 {
		t.Fatalf("unexpected terminal entry: %+v", entry)
	}
	if got := len(f.archive.MoveKeys()); got != 1 {
		t.Fatalf("second attempt should not issue a C-MOVE, got %d", got)
	}
}

func TestStaleEntryIsRetrievedAgain(t *testing.T) {
	mClock := clock.NewMock()
	mClock.Set(time.Now().Add(2 * time.Hour))
	f := newFixture(t, Config{MaxAttempts: 1, StaleAfter: time.Hour}, WithClock(mClock))
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		f.writeObjects(t, "1.2", "1.2.3", 1, 0)
		return []dimse.Response{dimsetest.MoveResponse(dimse.StatusSuccess, 0, 1, 0, 0)}, nil
	}

	ctx := context.Background()
	id := cache.Identifier{Study: "1.2"}
	if _, err := f.store.MarkFailed(ctx, id, "old failure", cache.UnknownCounters()); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	entry, err := f.coord.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if entry.Status != cache.StatusInProgress {
		t.Fatalf("stale failure should restart retrieval, got %+v", entry)
	}
	if entry = waitForTerminal(t, f.store, id); entry.Status != cache.StatusCompleted {
		t.Fatalf("unexpected terminal entry: %+v", entry)
	}
}

func TestShutdownLeavesEntryInProgress(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, RetryDelay: time.Hour})
	f.archive.DialErr = errors.New("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)
	coord := NewCoordinator(f.store, f.archive, pool, f.coord.cfg)

	id := cache.Identifier{Study: "1.2"}
	if _, err := coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.archive.Dials() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	pool.Close()

	entry, err := f.store.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if entry.Status != cache.StatusInProgress {
		t.Fatalf("shutdown must not finalize the entry, got %+v", entry)
	}
	if f.store.Pinned("1.2") {
		t.Fatalf("task should unpin the study when it ends")
	}
}

func TestMoveKeysFollowLevel(t *testing.T) {
	keys := moveKeys(cache.Identifier{Study: "1.2", Series: "1.2.3", Instance: "1.2.3.4"})
	if keys.String(dcm.QueryRetrieveLevel) != "IMAGE" || keys.String(dcm.SeriesInstanceUID) != "1.2.3" || keys.String(dcm.SOPInstanceUID) != "1.2.3.4" {
		t.Fatalf("unexpected image level keys: %v", keys.Tags())
	}
	keys = moveKeys(cache.Identifier{Study: "1.2", Series: "1.2.3"})
	if keys.String(dcm.QueryRetrieveLevel) != "SERIES" || keys.Contains(dcm.SOPInstanceUID) {
		t.Fatalf("unexpected series level keys: %v", keys.Tags())
	}
}

func TestInFlightGaugeCoversWholeTask(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1, IdleTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	before := testutil.ToFloat64(metrics.RetrievalsInFlight)

	var during float64
	f.archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		during = testutil.ToFloat64(metrics.RetrievalsInFlight)
		f.writeObjects(t, "1.5", "1.5.1", 1, 0)
		return []dimse.Response{dimsetest.MoveResponse(dimse.StatusSuccess, 0, 1, 0, 0)}, nil
	}

	id := cache.Identifier{Study: "1.5"}
	if _, err := f.coord.Acquire(context.Background(), id); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	waitForTerminal(t, f.store, id)
	f.pool.Close()

	if during < before+1 {
		t.Fatalf("gauge should count the running task, before=%v during=%v", before, during)
	}
	if got := testutil.ToFloat64(metrics.RetrievalsInFlight); got != before {
		t.Fatalf("gauge should return to %v after the task, got %v", before, got)
	}
}

func TestInFlightGaugeRestoredWhenPoolRejects(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.pool.Close()
	before := testutil.ToFloat64(metrics.RetrievalsInFlight)

	id := cache.Identifier{Study: "1.6"}
	if _, err := f.coord.Acquire(context.Background(), id); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.RetrievalsInFlight); got != before {
		t.Fatalf("rejected task must not change the gauge, before=%v after=%v", before, got)
	}
	if f.store.Pinned("1.6") {
		t.Fatalf("rejected task must not leave the study pinned")
	}
}
