package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse/dimsetest"
)

func newTestReaper(t *testing.T, store Store, maxAge time.Duration) (*Reaper, *clock.Mock, *bytes.Buffer) {
	t.Helper()
	mClock := clock.NewMock()
	mClock.Set(time.Now())
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	r := NewReaper(store, ReaperOptions{MaxAge: maxAge, Interval: time.Second, Clock: mClock, Logger: logger})
	return r, mClock, buf
}

func writeStudy(t *testing.T, store Store, study string, modTime time.Time) string {
	t.Helper()
	ds := dimsetest.NewDataset(study, study+".1", study+".1.1", []byte("data"))
	path, err := store.WriteObject(context.Background(), ds, dcm.ExplicitVRLittleEndian, ctSOPClass)
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := store.MarkCompleted(context.Background(), Identifier{Study: study}, 1, 0); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	dir := filepath.Join(store.Root(), study)
	err = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(p, modTime, modTime)
	})
	if err != nil {
		t.Fatalf("chtimes error: %v", err)
	}
	return path
}

func TestSweepEvictsAgedStudiesOnly(t *testing.T) {
	store := newTestStore(t)
	r, mClock, _ := newTestReaper(t, store, time.Hour)

	now := mClock.Now()
	writeStudy(t, store, "1.1", now.Add(-2*time.Hour))
	writeStudy(t, store, "2.2", now.Add(-10*time.Minute))

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "1.1")); !os.IsNotExist(err) {
		t.Fatalf("aged study should be evicted, stat err=%v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep error: %v", err)
		}
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "2.2")); err != nil {
		t.Fatalf("fresh study should survive: %v", err)
	}

	mClock.Add(time.Hour)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "2.2")); !os.IsNotExist(err) {
		t.Fatalf("study should age out once the clock moves, stat err=%v", err)
	}
}

func TestSweepUsesNewestFileInSubtree(t *testing.T) {
	store := newTestStore(t)
	r, mClock, _ := newTestReaper(t, store, time.Hour)

	now := mClock.Now()
	path := writeStudy(t, store, "1.1", now.Add(-3*time.Hour))
	fresh := now.Add(-time.Minute)
	if err := os.Chtimes(path, fresh, fresh); err != nil {
		t.Fatalf("chtimes error: %v", err)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "1.1")); err != nil {
		t.Fatalf("study with a recent file must survive: %v", err)
	}
}

func TestSweepRemovesStrayFilesAndSkipsPinned(t *testing.T) {
	store := newTestStore(t)
	r, mClock, buf := newTestReaper(t, store, time.Hour)

	stray := filepath.Join(store.Root(), "stray.txt")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray error: %v", err)
	}
	writeStudy(t, store, "1.1", mClock.Now().Add(-5*time.Hour))
	unpin := store.Pin(Identifier{Study: "1.1"})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("stray file should be removed")
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "1.1")); err != nil {
		t.Fatalf("pinned study must survive: %v", err)
	}

	unpin()
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "1.1")); !os.IsNotExist(err) {
		t.Fatalf("unpinned study should be evicted")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"action":"reaper_evict"`)) {
		t.Fatalf("eviction not logged: %s", buf.String())
	}
}

func TestRunSweepsOnTickAndStops(t *testing.T) {
	store := newTestStore(t)
	r, mClock, _ := newTestReaper(t, store, time.Hour)
	r.swept = make(chan struct{})
	writeStudy(t, store, "1.1", mClock.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for swept := false; !swept; {
		mClock.Add(time.Second)
		select {
		case <-r.swept:
			swept = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("reaper did not sweep")
		}
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "1.1")); !os.IsNotExist(err) {
		t.Fatalf("aged study should be evicted by Run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reaper did not stop")
	}
}
