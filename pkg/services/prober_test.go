package services

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProber_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	p := &TCPProber{Timeout: time.Second}
	err = p.Probe(context.Background(), Service{ID: "data", Address: ln.Addr().String()})
	assert.NoError(t, err)
}

func TestTCPProber_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := &TCPProber{Timeout: 200 * time.Millisecond}
	err = p.Probe(context.Background(), Service{ID: "data", Address: addr})
	assert.Error(t, err)
}

func TestCoordinator_ProbeRoutineRecovers(t *testing.T) {
	var healthy atomic.Bool
	probe := ProbeFunc(func(_ context.Context, _ Service) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	})

	c := NewCoordinator(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		Services:         []Service{{ID: svcTestID, Address: "127.0.0.1:50052"}},
		Prober:           probe,
	})
	c.StartProbeRoutine(10 * time.Millisecond)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	ctx := context.Background()

	require.NoError(t, c.ReportFailure(ctx, svcTestID))

	st, err := c.Status(ctx, svcTestID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, st.State)

	// While the backend stays down, failed probes keep the circuit open.
	time.Sleep(4 * svcTestRecovery)
	st, err = c.Status(ctx, svcTestID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)

	healthy.Store(true)

	assert.Eventually(t, func() bool {
		st, err := c.Status(ctx, svcTestID)
		return err == nil && st.State == StateClosed
	}, time.Second, 10*time.Millisecond)

	assert.True(t, c.MayAttempt(ctx, svcTestID))
}

func TestCoordinator_ProbeRoutineSkipsClosedAndUnaddressed(t *testing.T) {
	var probes atomic.Int32
	probe := ProbeFunc(func(_ context.Context, _ Service) error {
		probes.Add(1)
		return nil
	})

	c := NewCoordinator(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		Services: []Service{
			{ID: "healthy", Address: "127.0.0.1:50051"},
			{ID: "tracked-only"},
		},
		Prober: probe,
	})
	c.StartProbeRoutine(5 * time.Millisecond)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	ctx := context.Background()

	// tracked-only has no address, so opening its circuit never probes.
	require.NoError(t, c.ReportFailure(ctx, "tracked-only"))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, probes.Load())

	st, err := c.Status(ctx, "tracked-only")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
}
