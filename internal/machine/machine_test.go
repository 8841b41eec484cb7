package machine_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/machine"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProtocol is a minimal proto.Protocol for exercising Machine's
// registry and fan-out behavior without any real stack layer.
type fakeProtocol struct {
	startErr error
	started  chan struct{}
}

func (f *fakeProtocol) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	if f.started != nil {
		close(f.started)
	}
	return f.startErr
}

func (f *fakeProtocol) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	return nil
}

type otherFakeProtocol struct{ fakeProtocol }

func TestMachine_ProtocolMap_Insert_RejectsDuplicateTypeAndPostFreeze(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	m := machine.New("host-a", discardLogger(), shutdown)

	require.NoError(t, m.AddProtocol(&fakeProtocol{}))
	err := m.AddProtocol(&fakeProtocol{})
	require.ErrorIs(t, err, proto.ErrExisting)

	require.NoError(t, m.AddProtocol(&otherFakeProtocol{}))

	barrier := proto.NewStartBarrier()
	barrier.Release()
	require.NoError(t, m.Start(context.Background(), barrier))

	err = m.AddProtocol(&otherFakeProtocol{})
	require.Error(t, err, "insert after Start must fail even for a fresh type")
}

func TestMachine_Start_FansOutToEveryRegisteredProtocol(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	m := machine.New("host-a", discardLogger(), shutdown)

	p1 := &fakeProtocol{started: make(chan struct{})}
	p2 := &otherFakeProtocol{fakeProtocol{started: make(chan struct{})}}
	require.NoError(t, m.AddProtocol(p1))
	require.NoError(t, m.AddProtocol(p2))

	barrier := proto.NewStartBarrier()
	barrier.Release()
	require.NoError(t, m.Start(context.Background(), barrier))

	select {
	case <-p1.started:
	default:
		t.Fatal("first protocol's Start was not invoked")
	}
	select {
	case <-p2.started:
	default:
		t.Fatal("second protocol's Start was not invoked")
	}
}

func TestMachine_Start_PropagatesAProtocolStartError(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	m := machine.New("host-a", discardLogger(), shutdown)
	boom := assert.AnError
	require.NoError(t, m.AddProtocol(&fakeProtocol{startErr: boom}))

	barrier := proto.NewStartBarrier()
	barrier.Release()
	err := m.Start(context.Background(), barrier)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestMachine_Host_ProtocolLookupReturnsTheSameRegisteredInstance(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	m := machine.New("host-a", discardLogger(), shutdown)
	p := &fakeProtocol{}
	require.NoError(t, m.AddProtocol(p))

	got, ok := m.Protocol(proto.KeyOf((*fakeProtocol)(nil)))
	require.True(t, ok)
	assert.Same(t, p, got)

	assert.Equal(t, "host-a", m.ID())
	assert.Same(t, shutdown, m.Shutdown())
}

func TestMachine_Start_ContextDeadlineDoesNotHangWhenNoProtocolsRegistered(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	m := machine.New("idle", discardLogger(), shutdown)

	barrier := proto.NewStartBarrier()
	barrier.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx, barrier))
}
