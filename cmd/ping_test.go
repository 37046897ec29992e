package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/stack"
)

// MockPinger implements Pinger
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context, dst netip.Addr, id, seq uint16, payload []byte) (stack.EchoReply, error) {
	args := m.Called(ctx, dst, seq, payload)
	return args.Get(0).(stack.EchoReply), args.Error(1)
}

var peer = netip.MustParseAddr("10.0.0.2")

func quickPing(count int) pingOptions {
	return pingOptions{Count: count, Timeout: 50 * time.Millisecond, Size: 4}
}

func TestRunPing_Success(t *testing.T) {
	p := new(MockPinger)
	for seq := uint16(1); seq <= 2; seq++ {
		p.On("Ping", mock.Anything, peer, seq, []byte{0, 1, 2, 3}).
			Return(stack.EchoReply{From: peer, Seq: seq, TTL: 64, Payload: []byte{0, 1, 2, 3}}, nil).Once()
	}

	var buf bytes.Buffer
	err := runPing(context.Background(), p, peer, quickPing(2), &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "PING 10.0.0.2: 4 data bytes")
	assert.Contains(t, buf.String(), "4 bytes from 10.0.0.2: icmp_seq=2 ttl=64")
	assert.Contains(t, buf.String(), "2 packets transmitted, 2 received, 0% packet loss")
	p.AssertExpectations(t)
}

func TestRunPing_PartialLoss(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", mock.Anything, peer, uint16(1), mock.Anything).
		Return(stack.EchoReply{}, core.ErrTimedOut).Once()
	p.On("Ping", mock.Anything, peer, uint16(2), mock.Anything).
		Return(stack.EchoReply{From: peer, Seq: 2}, nil).Once()

	var buf bytes.Buffer
	err := runPing(context.Background(), p, peer, quickPing(2), &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "request timeout for icmp_seq=1")
	assert.Contains(t, buf.String(), "2 packets transmitted, 1 received, 50% packet loss")
	p.AssertExpectations(t)
}

func TestRunPing_NoReply(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", mock.Anything, peer, mock.Anything, mock.Anything).
		Return(stack.EchoReply{}, context.DeadlineExceeded)

	var buf bytes.Buffer
	err := runPing(context.Background(), p, peer, quickPing(3), &buf)

	assert.ErrorIs(t, err, core.ErrTimedOut)
	assert.Contains(t, buf.String(), "100% packet loss")
	p.AssertNumberOfCalls(t, "Ping", 3)
}

func TestRunPing_TableDriven(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		pingErr error
		wantErr error
		calls   int
	}{
		{name: "no route", count: 3, pingErr: core.ErrNoRoute, wantErr: core.ErrNoRoute, calls: 1},
		{name: "stack stopped", count: 2, pingErr: core.ErrStackStopped, wantErr: core.ErrStackStopped, calls: 1},
		{name: "zero count", count: 0, calls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(MockPinger)
			p.On("Ping", mock.Anything, peer, mock.Anything, mock.Anything).
				Return(stack.EchoReply{}, tt.pingErr)

			var buf bytes.Buffer
			err := runPing(context.Background(), p, peer, quickPing(tt.count), &buf)

			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			p.AssertNumberOfCalls(t, "Ping", tt.calls)
		})
	}
}

func TestRunPing_Cancelled(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", mock.Anything, peer, uint16(1), mock.Anything).
		Return(stack.EchoReply{From: peer, Seq: 1}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	opts := quickPing(5)
	opts.Interval = time.Hour
	time.AfterFunc(20*time.Millisecond, cancel)

	err := runPing(ctx, p, peer, opts, &bytes.Buffer{})

	assert.True(t, errors.Is(err, context.Canceled))
	p.AssertExpectations(t)
}

func TestRunPing_Loopback(t *testing.T) {
	s, err := stack.New(nil, log.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	var buf bytes.Buffer
	opts := pingOptions{Count: 2, Timeout: time.Second, Size: 16}
	err = runPing(context.Background(), s, netip.MustParseAddr("127.0.0.1"), opts, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "16 bytes from 127.0.0.1: icmp_seq=1")
	assert.Contains(t, buf.String(), "2 received, 0% packet loss")
}
