package sim_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/machine"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/sim"
)

var errProtocolStartFailed = errors.New("sim_test: protocol start failed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopProtocol struct{}

func (noopProtocol) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	return nil
}

func (noopProtocol) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	return nil
}

func newTestMachine(t *testing.T, shutdown *proto.Shutdown, name string) *machine.Machine {
	t.Helper()
	m := machine.New(name, discardLogger(), shutdown)
	require.NoError(t, m.AddProtocol(noopProtocol{}))
	return m
}

func TestSim_Internet_Run_StopReturnsExited(t *testing.T) {
	t.Parallel()

	s := sim.New(sim.Config{Clock: clockwork.NewRealClock()})
	m := newTestMachine(t, s.Shutdown(), "only")
	s.AddMachine(m)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Stop()
	}()

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sim.Exited, status.Kind)
}

func TestSim_Internet_Run_ExitReturnsStatusCode(t *testing.T) {
	t.Parallel()

	s := sim.New(sim.Config{Clock: clockwork.NewRealClock()})
	m := newTestMachine(t, s.Shutdown(), "only")
	s.AddMachine(m)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Exit(7)
	}()

	status, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sim.StatusCode, status.Kind)
	assert.Equal(t, uint32(7), status.Code)
	assert.Equal(t, "Status(7)", status.String())
}

func TestSim_Internet_Run_TimeoutCollapsesTheRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := sim.New(sim.Config{Timeout: time.Second, Clock: clock})
	m := newTestMachine(t, s.Shutdown(), "only")
	s.AddMachine(m)

	done := make(chan struct{})
	var status sim.ExitStatus
	var runErr error
	go func() {
		status, runErr = s.Run(context.Background())
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the configured timeout elapsed")
	}
	require.NoError(t, runErr)
	assert.Equal(t, sim.TimedOut, status.Kind)
	assert.True(t, s.Shutdown().Fired(), "a timeout must still broadcast shutdown to every machine")
}

func TestSim_Internet_Run_ParentContextCancelPropagatesAsError(t *testing.T) {
	t.Parallel()

	s := sim.New(sim.Config{Clock: clockwork.NewRealClock()})
	m := newTestMachine(t, s.Shutdown(), "only")
	s.AddMachine(m)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.Shutdown().Fired())
}

func TestSim_Internet_Run_FailedMachineStartAbortsBeforeBarrierRelease(t *testing.T) {
	t.Parallel()

	s := sim.New(sim.Config{Clock: clockwork.NewRealClock()})
	m := machine.New("broken", discardLogger(), s.Shutdown())
	require.NoError(t, m.AddProtocol(failingProtocol{}))
	s.AddMachine(m)

	_, err := s.Run(context.Background())
	require.Error(t, err)
}

type failingProtocol struct{ noopProtocol }

func (failingProtocol) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	return errProtocolStartFailed
}
