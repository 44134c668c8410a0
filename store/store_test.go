package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"androidfarm/farm"
	"androidfarm/models"
	"androidfarm/quality"
	"androidfarm/transport"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func streamingChange(id string, at time.Time) farm.Change {
	tier := quality.MustDefault().SelectTier(78)
	return farm.Change{
		DeviceID: id,
		From:     farm.StateConnecting,
		To:       farm.StateStreaming,
		Tile: farm.Snapshot{
			DeviceID:  id,
			State:     farm.StateStreaming,
			Quality:   &tier,
			Consumers: []string{"farm"},
			UpdatedAt: at,
		},
		At: at,
	}
}

func TestUpsertDevicesKeepsFirstSeen(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertDevices(ctx, []models.Device{
		{ID: "A", ADBDeviceID: "A", Name: "Pixel 7", Battery: 90},
		{ID: "B", ADBDeviceID: "B", Name: "Galaxy"},
	}, t0))
	require.NoError(t, s.UpsertDevices(ctx, []models.Device{
		{ID: "A", ADBDeviceID: "10.0.0.5:5555", Name: "Pixel 7", Battery: 80},
	}, t0.Add(time.Minute)))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	a, b := devices[0], devices[1]
	assert.Equal(t, "10.0.0.5:5555", a.ADBDeviceID)
	assert.Equal(t, models.StatusOnline, a.Status)
	assert.Equal(t, 80, a.Battery)
	assert.Equal(t, t0, a.FirstSeen)
	assert.Equal(t, t0.Add(time.Minute), a.LastSeen)

	assert.Equal(t, models.StatusOffline, b.Status)
	assert.Equal(t, t0, b.LastSeen)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.DB.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestRecordChangeAndEvents(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordChange(ctx, streamingChange("A", at)))
	require.NoError(t, s.RecordChange(ctx, farm.Change{
		DeviceID: "A",
		From:     farm.StateStreaming,
		To:       farm.StateFailed,
		Tile:     farm.Snapshot{DeviceID: "A", State: farm.StateFailed, LastError: "connection reset"},
		At:       at.Add(time.Second),
	}))
	require.NoError(t, s.RecordChange(ctx, streamingChange("B", at)))

	events, err := s.Events(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "failed", events[0].To)
	assert.Equal(t, "connection reset", events[0].Error)
	assert.Equal(t, "streaming", events[1].To)
	assert.Equal(t, "Low", events[1].Tier)
	assert.Equal(t, at, events[1].At)

	all, err := s.Events(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "B", all[0].DeviceID)
}

func TestRedisPublisherMirrorsState(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	p := NewRedisPublisher(&redis.Options{Addr: mr.Addr()}, "")
	defer p.Close()
	require.NoError(t, p.Ping(ctx))

	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer reader.Close()
	sub := reader.Subscribe(ctx, p.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.RecordChange(ctx, streamingChange("A", at)))

	select {
	case msg := <-sub.Channel():
		var got farm.Change
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "A", got.DeviceID)
		assert.Equal(t, farm.StateStreaming, got.To)
	case <-time.After(2 * time.Second):
		t.Fatal("no change published")
	}

	raw := mr.HGet(p.StateKey(), "A")
	var snap farm.Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, farm.StateStreaming, snap.State)
	require.NotNil(t, snap.Quality)
	assert.Equal(t, "Low", snap.Quality.Label)

	require.NoError(t, p.RecordChange(ctx, farm.Change{DeviceID: "A", Removed: true, To: farm.StateNotConnected, At: at}))
	assert.False(t, mr.Exists(p.StateKey()))
}

func TestRedisPublisherReportsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, "wall")
	defer p.Close()
	mr.Close()

	err := p.RecordChange(context.Background(), streamingChange("A", time.Now()))
	require.ErrorContains(t, err, "failed to write tile A")
}

type memorySink struct {
	mu      sync.Mutex
	changes []farm.Change
	fail    bool
}

func (m *memorySink) RecordChange(_ context.Context, c farm.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.changes = append(m.changes, c)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes)
}

func TestRecordDrainsWatcherIntoSinks(t *testing.T) {
	o, err := farm.New(farm.Options{Opener: transport.NewSynthetic(0)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = o.Run(ctx)
	}()

	w := o.Watch(16)
	good, broken := &memorySink{}, &memorySink{fail: true}
	recDone := make(chan error, 1)
	go func() { recDone <- Record(context.Background(), w, broken, good) }()

	_, err = o.Reconcile(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return good.len() == 3 }, 2*time.Second, 10*time.Millisecond)

	// stopping the farm closes the watcher, which ends the recorder
	cancel()
	<-runDone
	select {
	case err := <-recDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
