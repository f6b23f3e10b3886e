package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/companyzero/rns/destination"
	"github.com/companyzero/rns/identity"
	"github.com/companyzero/rns/iface"
	"github.com/companyzero/rns/link"
	"github.com/companyzero/rns/packet"
	"github.com/companyzero/rns/rnsconfig"
)

func TestTransportEstablishesLinkOverLoopback(t *testing.T) {
	cfg := rnsconfig.Default()
	cfg.ReceiptTimeoutMin = 20 * time.Millisecond
	cfg.ReceiptTimeoutMax = 200 * time.Millisecond

	alicePriv, err := identity.New()
	require.NoError(t, err)
	bobPriv, err := identity.New()
	require.NoError(t, err)

	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveAll, "rnstest", "transport")
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "transport")
	require.NoError(t, err)
	_ = alicePriv

	aliceIf := iface.NewLoopback("alice", 500)
	bobIf := iface.NewLoopback("bob", 500)
	iface.ConnectLoopback(aliceIf, bobIf)

	aliceT := New(cfg, nil, nil)
	bobT := New(cfg, nil, nil)
	require.NoError(t, aliceT.RegisterInterface(aliceIf))
	require.NoError(t, bobT.RegisterInterface(bobIf))
	require.NoError(t, bobT.RegisterDestination(bobIn))

	newLinks := make(chan *link.Link, 1)
	bobT.OnNewLink(func(l *link.Link, outlet link.Outlet) {
		newLinks <- l
	})

	aliceLink, err := aliceT.OpenLink("alice", aliceOut)
	require.NoError(t, err)

	select {
	case bobLink := <-newLinks:
		require.Equal(t, aliceLink.ID(), bobLink.ID())
	case <-time.After(time.Second):
		t.Fatal("bob never accepted the link request")
	}

	require.Eventually(t, func() bool {
		return aliceLink.State() == link.Active
	}, time.Second, time.Millisecond)

	sink := &testSink{}
	bl, ok := bobT.Link(aliceLink.ID())
	require.True(t, ok)
	bl.AttachResourceSink(sink)

	_, err = aliceLink.Send([]byte("hello over transport"), packet.ContextResourceSegment)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, time.Millisecond)
}

type testSink struct {
	n int
}

func (s *testSink) Receive(ctx packet.Context, payload []byte) { s.n++ }
func (s *testSink) count() int                                 { return s.n }

func TestOpenLinkFailsOnUnknownInterface(t *testing.T) {
	cfg := rnsconfig.Default()
	bobPriv, err := identity.New()
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "transport")
	require.NoError(t, err)

	tr := New(cfg, nil, nil)
	_, err = tr.OpenLink("nope", aliceOut)
	require.Error(t, err)
}

func TestTransportDeliversDataAndProofOutsideLink(t *testing.T) {
	cfg := rnsconfig.Default()

	alicePriv, err := identity.New()
	require.NoError(t, err)
	bobPriv, err := identity.New()
	require.NoError(t, err)

	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveAll, "rnstest", "data")
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "data")
	require.NoError(t, err)

	aliceIf := iface.NewLoopback("alice", 500)
	bobIf := iface.NewLoopback("bob", 500)
	iface.ConnectLoopback(aliceIf, bobIf)

	aliceT := New(cfg, nil, nil)
	bobT := New(cfg, nil, nil)
	require.NoError(t, aliceT.RegisterInterface(aliceIf))
	require.NoError(t, bobT.RegisterInterface(bobIf))
	require.NoError(t, bobT.RegisterDestination(bobIn))

	received := make(chan string, 1)
	bobT.OnData(func(dest *destination.Destination, plaintext []byte) {
		received <- string(plaintext)
	})

	receipt, err := aliceT.SendData("alice", alicePriv, aliceOut, []byte("hello outside a link"))
	require.NoError(t, err)
	require.NotNil(t, receipt)

	select {
	case msg := <-received:
		require.Equal(t, "hello outside a link", msg)
	case <-time.After(time.Second):
		t.Fatal("bob never received the data packet")
	}

	require.Eventually(t, func() bool {
		return receipt.State() == DataDelivered
	}, time.Second, time.Millisecond)
}

func TestTransportAnnounceMatchesRegisteredWatch(t *testing.T) {
	cfg := rnsconfig.Default()

	bobPriv, err := identity.New()
	require.NoError(t, err)
	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveAll, "rnstest", "announce")
	require.NoError(t, err)

	aliceIf := iface.NewLoopback("alice", 500)
	bobIf := iface.NewLoopback("bob", 500)
	iface.ConnectLoopback(aliceIf, bobIf)

	aliceT := New(cfg, nil, nil)
	bobT := New(cfg, nil, nil)
	require.NoError(t, aliceT.RegisterInterface(aliceIf))
	require.NoError(t, bobT.RegisterInterface(bobIf))

	type seen struct {
		hash    [destination.HashSize]byte
		appData []byte
	}
	matches := make(chan seen, 1)
	aliceT.OnAnnounce("rnstest", []string{"announce"}, func(pub *identity.PublicIdentity, hash [destination.HashSize]byte, appData []byte) {
		matches <- seen{hash: hash, appData: appData}
	})

	require.NoError(t, bobT.Announce("bob", bobIn, []byte("hi")))

	select {
	case m := <-matches:
		require.Equal(t, bobIn.Hash, m.hash)
		require.Equal(t, []byte("hi"), m.appData)
	case <-time.After(time.Second):
		t.Fatal("alice never matched bob's announce")
	}
}

func TestLinkHandshakeProofWithheldUnlessProveAll(t *testing.T) {
	cfg := rnsconfig.Default()

	bobPriv, err := identity.New()
	require.NoError(t, err)
	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveApp, "rnstest", "gated")
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "gated")
	require.NoError(t, err)

	aliceIf := iface.NewLoopback("alice", 500)
	bobIf := iface.NewLoopback("bob", 500)
	iface.ConnectLoopback(aliceIf, bobIf)

	aliceT := New(cfg, nil, nil)
	bobT := New(cfg, nil, nil)
	require.NoError(t, aliceT.RegisterInterface(aliceIf))
	require.NoError(t, bobT.RegisterInterface(bobIf))
	require.NoError(t, bobT.RegisterDestination(bobIn))

	aliceLink, err := aliceT.OpenLink("alice", aliceOut)
	require.NoError(t, err)

	require.Never(t, func() bool {
		return aliceLink.State() == link.Active
	}, 200*time.Millisecond, 10*time.Millisecond)
}
