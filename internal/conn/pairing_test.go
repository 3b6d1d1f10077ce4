package conn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sharectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type pairRecorder struct {
	mu      sync.Mutex
	conns   []*Connection
	reasons []string
}

func (p *pairRecorder) PairingConnectionSucceeded(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, c)
}

func (p *pairRecorder) PairingConnectionFailed(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasons = append(p.reasons, reason)
}

func (p *pairRecorder) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + len(p.reasons)
}

func TestReceiverAndConnectorPair(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bound := make(chan string, 1)
	receiver := NewPairing(testConfig(), 1)
	recvResult := &pairRecorder{}
	require.NoError(t, receiver.BeginPairing(ctx, DirectReceiver{
		ListenAddress: "127.0.0.1:0",
		OnListening:   func(addr string) { bound <- addr },
	}, recvResult))
	require.Equal(t, StateConnecting, receiver.State())

	var addr string
	select {
	case addr = <-bound:
	case <-time.After(3 * time.Second):
		t.Fatalf("receiver never listened")
	}

	connector := NewPairing(testConfig(), 3)
	connResult := &pairRecorder{}
	require.NoError(t, connector.BeginPairing(ctx, DirectConnector{Address: addr}, connResult))
	require.ErrorIs(t, connector.BeginPairing(ctx, DirectConnector{Address: addr}, connResult), ErrPairingInProgress)

	pump(t, func() bool {
		return recvResult.total() == 1 && connResult.total() == 1
	}, receiver.Update, connector.Update)

	require.Len(t, recvResult.conns, 1)
	require.Len(t, connResult.conns, 1)
	require.Equal(t, StateDisconnected, connector.State())
	recvResult.conns[0].Disconnect()
	connResult.conns[0].Disconnect()
}

func TestConnectorReportsFailureAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewPairing(testConfig(), 2)
	result := &pairRecorder{}
	require.NoError(t, p.BeginPairing(context.Background(), DirectConnector{Address: addr}, result))
	pump(t, func() bool { return result.total() == 1 }, p.Update)
	require.Len(t, result.reasons, 1)
	require.NotEmpty(t, result.reasons[0])

	// A failed attempt frees the pairing for a new one.
	require.NoError(t, p.BeginPairing(context.Background(), DirectConnector{Address: addr}, result))
	p.CancelPairing()
}

func TestCancelPairingSuppressesCallback(t *testing.T) {
	testlog.Start(t)
	p := NewPairing(testConfig(), 0)
	result := &pairRecorder{}
	require.NoError(t, p.BeginPairing(context.Background(), DirectReceiver{ListenAddress: "127.0.0.1:0"}, result))
	p.CancelPairing()
	require.Equal(t, StateDisconnected, p.State())
	for i := 0; i < 10; i++ {
		p.Update()
		time.Sleep(2 * time.Millisecond)
	}
	require.Zero(t, result.total())
}

func TestBeginPairingValidatesStrategy(t *testing.T) {
	testlog.Start(t)
	p := NewPairing(testConfig(), 1)
	require.ErrorIs(t, p.BeginPairing(context.Background(), DirectConnector{}, &pairRecorder{}), ErrInvalidStrategy)
	require.ErrorIs(t, p.BeginPairing(context.Background(), nil, &pairRecorder{}), ErrInvalidStrategy)
}
