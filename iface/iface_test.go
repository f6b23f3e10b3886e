package iface

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackDeliversToPeer(t *testing.T) {
	a := NewLoopback("a", 500)
	b := NewLoopback("b", 500)
	ConnectLoopback(a, b)

	received := make(chan []byte, 1)
	b.SetReceiveCallback(func(raw []byte) { received <- raw })

	require.NoError(t, a.SendRaw([]byte("hello")))

	select {
	case raw := <-received:
		require.Equal(t, []byte("hello"), raw)
	case <-time.After(time.Second):
		t.Fatal("loopback never delivered")
	}
}

func TestLoopbackSendAfterCloseFails(t *testing.T) {
	a := NewLoopback("a", 500)
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.SendRaw([]byte("x")), ErrClosed)
}

func TestTCPRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewTCP("a", connA, 1500)
	b := NewTCP("b", connB, 1500)

	received := make(chan []byte, 1)
	b.SetReceiveCallback(func(raw []byte) { received <- raw })
	b.Start()

	require.NoError(t, a.SendRaw([]byte("over the wire")))

	select {
	case raw := <-received:
		require.Equal(t, []byte("over the wire"), raw)
	case <-time.After(time.Second):
		t.Fatal("tcp interface never delivered")
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestTCPSendRejectsOversizedPacket(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	a := NewTCP("a", connA, 10)
	err := a.SendRaw(make([]byte, 11))
	require.Error(t, err)
}
