// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cdcbroker/changestreamer/internal/change"
	"github.com/cdcbroker/changestreamer/internal/changedb"
	"github.com/cdcbroker/changestreamer/internal/changesource"
	"github.com/cdcbroker/changestreamer/internal/protocol"
	"github.com/cdcbroker/changestreamer/internal/stopper"
	"github.com/cdcbroker/changestreamer/internal/storer"
	"github.com/cdcbroker/changestreamer/internal/subscriber"
	"github.com/cdcbroker/changestreamer/internal/transport"
	"github.com/cdcbroker/changestreamer/internal/watermark"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReplicationConfig struct{ cfg changedb.Config }

func (f fakeReplicationConfig) Get(ctx context.Context, q storer.Querier) (changedb.Config, error) {
	return f.cfg, nil
}

// fakeWritePool and noopTx satisfy storer.WritePool/storer.Tx using the
// real pgx/pgconn return types storer.Querier's methods reference;
// their Query/QueryRow/Exec bodies are never exercised here because
// every repository this package's tests touch is overridden with a
// fake (fakeReplicationState, the zero-value ChangeLogStore below).
type fakeWritePool struct{}

func (fakeWritePool) Begin(ctx context.Context) (storer.Tx, error) { return &noopTx{}, nil }

type noopTx struct{}

func (*noopTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (*noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return noopRows{}, nil
}
func (*noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return noopRow{} }
func (*noopTx) Commit(ctx context.Context) error                             { return nil }
func (*noopTx) Rollback(ctx context.Context) error                           { return nil }

type noopRows struct{}

func (noopRows) Close()                                       {}
func (noopRows) Err() error                                   { return nil }
func (noopRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (noopRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (noopRows) Next() bool                                   { return false }
func (noopRows) Scan(dest ...any) error                       { return nil }
func (noopRows) Values() ([]any, error)                        { return nil, nil }
func (noopRows) RawValues() [][]byte                           { return nil }
func (noopRows) Conn() *pgx.Conn                               { return nil }

type noopRow struct{}

func (noopRow) Scan(dest ...any) error { return nil }

type fakeReplicationState struct {
	mu    sync.Mutex
	owner string
}

func (f *fakeReplicationState) Get(ctx context.Context, q storer.Querier) (changedb.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return changedb.State{Owner: f.owner}, nil
}

func (f *fakeReplicationState) AssumeOwnership(ctx context.Context, q storer.Querier, taskID, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = taskID
	return nil
}

func (f *fakeReplicationState) AdvanceWatermark(ctx context.Context, q storer.Querier, expectedOwner string, w watermark.Watermark) error {
	return nil
}

type fakeChangeLogStore struct {
	mu      sync.Mutex
	entries []change.Entry
}

func (f *fakeChangeLogStore) InsertEntry(ctx context.Context, q storer.Querier, e change.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeChangeLogStore) PurgeBefore(ctx context.Context, q storer.Querier, w watermark.Watermark) (int64, error) {
	return 0, nil
}

func newTestService(t *testing.T, replicaVersion string) (*ChangeStreamerService, *storer.Storer) {
	t.Helper()
	s := storer.New(fakeWritePool{}, noopCatchupRunner{},
		storer.WithReplicationConfigStore(fakeReplicationConfig{cfg: changedb.Config{ReplicaVersion: replicaVersion}}),
		storer.WithReplicationStateStore(&fakeReplicationState{}),
		storer.WithChangeLogStore(&fakeChangeLogStore{}))
	return New(nil, s, nil), s
}

type noopCatchupRunner struct{}

func (noopCatchupRunner) Run(ctx context.Context, subs []storer.Subscriber, replicaVersion watermark.Watermark) {
	for _, s := range subs {
		_ = s.SetCaughtUp()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	frames []subscriber.Frame
}

func (f *fakeSink) Push(fr subscriber.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func TestSubscribeRejectsUnsupportedProtocolVersion(t *testing.T) {
	svc, _ := newTestService(t, "01")
	sink := &fakeSink{}
	_, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.Version(99),
		ID:              "s1",
		ReplicaVersion:  "01",
	}, sink)
	require.Error(t, err)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, err.Error(), sink.frames[0].ErrMsg)
}

func TestSubscribeRejectsWrongReplicaVersion(t *testing.T) {
	svc, _ := newTestService(t, "01")
	sink := &fakeSink{}
	_, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		ReplicaVersion:  "01foobar",
	}, sink)
	require.Error(t, err)
	var wrong *change.SubscriberError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, change.ErrWrongReplicaVersion, wrong.Kind)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, change.ErrWrongReplicaVersion, sink.frames[0].ErrKind)
	assert.Equal(t, wrong.Message, sink.frames[0].ErrMsg)
}

// fakeTransportSink additionally satisfies transportCloser, so
// Subscribe wires Close into the Subscriber's onClose the same way
// transport.Conn does in production.
type fakeTransportSink struct {
	fakeSink
	mu        sync.Mutex
	closed    bool
	closeCode int
}

func (f *fakeTransportSink) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func TestSubscriberCloseCancelsUnderlyingTransport(t *testing.T) {
	svc, _ := newTestService(t, "01")
	sink := &fakeTransportSink{}
	sub, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		ReplicaVersion:  "01",
		Watermark:       "01",
	}, sink)
	require.NoError(t, err)

	sub.Close(change.ErrUnknown, "")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
	assert.Equal(t, transport.NormalClosure, sink.closeCode)
}

func TestSubscribeRegistersAndEnqueuesCatchup(t *testing.T) {
	svc, _ := newTestService(t, "01")
	sub, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		ReplicaVersion:  "01",
		Watermark:       "01",
	}, &fakeSink{})
	require.NoError(t, err)
	require.Len(t, svc.liveSubscribers(), 1)
	assert.Equal(t, "s1", sub.ID)
}

type fakeSource struct {
	changes chan change.Change
}

func (f *fakeSource) StartStream(ctx context.Context, from watermark.Watermark) (*changesource.Stream, error) {
	return &changesource.Stream{
		InitialWatermark: from,
		Changes:          f.changes,
		Acks:             make(chan watermark.Watermark, 1),
	}, nil
}

type fakeBackupMonitor struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeBackupMonitor) EndReservation(taskID string, updateDelay bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, taskID)
}

func TestHandleAckForwardsCommitWatermarkToActiveStream(t *testing.T) {
	svc, _ := newTestService(t, "00")
	stream := &changesource.Stream{Acks: make(chan watermark.Watermark, 1)}
	svc.setStream(stream)

	svc.handleAck(storer.Ack{Watermark: "05"})

	select {
	case w := <-stream.Acks:
		assert.Equal(t, watermark.Watermark("05"), w)
	default:
		t.Fatal("expected an ack on the active stream")
	}
}

func TestHandleAckForwardsStatusAsWatermark(t *testing.T) {
	svc, _ := newTestService(t, "00")
	stream := &changesource.Stream{Acks: make(chan watermark.Watermark, 1)}
	svc.setStream(stream)

	svc.handleAck(storer.Ack{IsStatus: true, Status: "07"})

	select {
	case w := <-stream.Acks:
		assert.Equal(t, watermark.Watermark("07"), w)
	default:
		t.Fatal("expected a status-derived ack on the active stream")
	}
}

func TestHandleAckDropsSilentlyWhenNoStreamIsActive(t *testing.T) {
	svc, _ := newTestService(t, "00")
	assert.NotPanics(t, func() {
		svc.handleAck(storer.Ack{Watermark: "05"})
	})
}

func TestHandleAckDropsWhenStreamAckChannelIsFull(t *testing.T) {
	svc, _ := newTestService(t, "00")
	stream := &changesource.Stream{Acks: make(chan watermark.Watermark, 1)}
	stream.Acks <- "stale"
	svc.setStream(stream)

	assert.NotPanics(t, func() {
		svc.handleAck(storer.Ack{Watermark: "05"})
	})
	assert.Equal(t, watermark.Watermark("stale"), <-stream.Acks)
}

func TestReportUpstreamStatusRoutesThroughStorer(t *testing.T) {
	svc, s := newTestService(t, "00")
	stream := &changesource.Stream{Acks: make(chan watermark.Watermark, 1)}
	svc.setStream(stream)

	stop := stopper.WithContext(context.Background())
	go func() { _ = s.Run(stop) }()
	defer stop.Stop(time.Second)

	svc.ReportUpstreamStatus("09")

	require.Eventually(t, func() bool {
		select {
		case w := <-stream.Acks:
			return w == watermark.Watermark("09")
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestSetBackupMonitorReplacesDefaultAndEndsReservationOnInitialSubscribe(t *testing.T) {
	svc, _ := newTestService(t, "00")
	backup := &fakeBackupMonitor{}
	svc.SetBackupMonitor(backup)

	_, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		TaskID:          "task-a",
		ReplicaVersion:  "00",
		Watermark:       "00",
		Initial:         true,
	}, &fakeSink{})
	require.NoError(t, err)

	backup.mu.Lock()
	defer backup.mu.Unlock()
	assert.Equal(t, []string{"task-a"}, backup.ended)
}

func TestSetBackupMonitorNilFallsBackToNoop(t *testing.T) {
	svc, _ := newTestService(t, "00")
	svc.SetBackupMonitor(nil)

	assert.NotPanics(t, func() {
		_, err := svc.Subscribe(context.Background(), SubscribeContext{
			ProtocolVersion: protocol.V1,
			ID:              "s1",
			TaskID:          "task-a",
			ReplicaVersion:  "00",
			Watermark:       "00",
			Initial:         true,
		}, &fakeSink{})
		require.NoError(t, err)
	})
}

func TestRunNotifiesLiveSubscribersBeforeFatalAutoReset(t *testing.T) {
	s := storer.New(fakeWritePool{}, noopCatchupRunner{},
		storer.WithReplicationConfigStore(fakeReplicationConfig{cfg: changedb.Config{ReplicaVersion: "00", ResetRequired: true}}),
		storer.WithReplicationStateStore(&fakeReplicationState{}),
		storer.WithChangeLogStore(&fakeChangeLogStore{}))
	svc := New(&fakeSource{changes: make(chan change.Change)}, s, nil)

	sink := &fakeSink{}
	sub, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		ReplicaVersion:  "00",
		Watermark:       "00",
	}, sink)
	require.NoError(t, err)
	require.NoError(t, sub.SetCaughtUp())

	stop := stopper.WithContext(context.Background())
	runErr := svc.Run(stop)
	require.ErrorIs(t, runErr, change.AutoResetSignal)

	require.Len(t, sink.frames, 1)
	assert.True(t, sink.frames[0].ResetRequired)
}

func TestRunForwardsChangesToLiveSubscribers(t *testing.T) {
	svc, s := newTestService(t, "00")

	changes := make(chan change.Change, 4)
	svc.source = &fakeSource{changes: changes}

	sink := &fakeSink{}
	sub, err := svc.Subscribe(context.Background(), SubscribeContext{
		ProtocolVersion: protocol.V1,
		ID:              "s1",
		ReplicaVersion:  "00",
		Watermark:       "00",
	}, sink)
	require.NoError(t, err)
	require.NoError(t, sub.SetCaughtUp())

	stop := stopper.WithContext(context.Background())
	go func() { _ = s.Run(stop) }()
	defer stop.Stop(time.Second)

	fwdStop := stopper.WithContext(context.Background())
	go func() { _ = svc.Run(fwdStop) }()
	defer fwdStop.Stop(time.Second)

	changes <- change.Begin("10")
	changes <- change.Commit("10")
	close(changes)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.frames) == 2
	}, time.Second, time.Millisecond)
}
