package resource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/companyzero/rns/destination"
	"github.com/companyzero/rns/identity"
	"github.com/companyzero/rns/link"
	"github.com/companyzero/rns/rnsconfig"
)

type capture struct {
	mu  sync.Mutex
	mtu int
	out [][]byte
}

func (o *capture) SendRaw(raw []byte) error {
	o.mu.Lock()
	o.out = append(o.out, append([]byte(nil), raw...))
	o.mu.Unlock()
	return nil
}
func (o *capture) MTU() int { return o.mtu }
func (o *capture) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.out
	o.out = nil
	return out
}

func pumpUntilDry(t *testing.T, aliceLink *link.Link, aliceOutlet *capture, bobLink *link.Link, bobOutlet *capture) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		a := aliceOutlet.drain()
		b := bobOutlet.drain()
		if len(a) == 0 && len(b) == 0 {
			return
		}
		for _, raw := range a {
			require.NoError(t, bobLink.Deliver(raw))
		}
		for _, raw := range b {
			require.NoError(t, aliceLink.Deliver(raw))
		}
	}
	t.Fatal("pumpUntilDry: did not converge")
}

func pair(t *testing.T) (*link.Link, *capture, *Manager, *link.Link, *capture, *Manager) {
	t.Helper()
	bobPriv, err := identity.New()
	require.NoError(t, err)
	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveAll, "rnstest", "resource")
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "resource")
	require.NoError(t, err)

	cfg := rnsconfig.Default()
	cfg.ResourceSegmentMaxTry = 3
	cfg.ResourceTimeout = 2 * time.Second
	cfg.ReceiptTimeoutMin = 20 * time.Millisecond
	cfg.ReceiptTimeoutMax = 100 * time.Millisecond

	aliceOutlet := &capture{mtu: 500}
	bobOutlet := &capture{mtu: 500}

	aliceLink, err := link.NewInitiator(aliceOutlet, aliceOut, cfg, nil, nil)
	require.NoError(t, err)
	bobLink, err := link.AcceptLinkRequest(bobOutlet, bobIn, aliceOutlet.out[len(aliceOutlet.out)-1], cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, aliceLink.Deliver(bobOutlet.out[len(bobOutlet.out)-1]))
	aliceOutlet.drain()
	bobOutlet.drain()

	aliceMgr := NewManager(aliceLink, cfg, nil, nil)
	bobMgr := NewManager(bobLink, cfg, nil, nil)
	aliceLink.AttachResourceSink(aliceMgr)
	bobLink.AttachResourceSink(bobMgr)

	return aliceLink, aliceOutlet, aliceMgr, bobLink, bobOutlet, bobMgr
}

func TestResourceRoundTripVerifiesHash(t *testing.T) {
	aliceLink, aliceOutlet, aliceMgr, bobLink, bobOutlet, bobMgr := pair(t)

	var (
		mu       sync.Mutex
		gotName  string
		gotData  []byte
		complete bool
	)
	bobMgr.OnComplete(func(id [16]byte, name string, data []byte) {
		mu.Lock()
		gotName = name
		gotData = append([]byte(nil), data...)
		complete = true
		mu.Unlock()
	})

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	handle, err := aliceMgr.Send(payload, "bigfile.bin", time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pumpUntilDry(t, aliceLink, aliceOutlet, bobLink, bobOutlet)
		mu.Lock()
		done := complete
		mu.Unlock()
		if done && handle.State() == Complete {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	require.True(t, complete)
	require.Equal(t, "bigfile.bin", gotName)
	require.Equal(t, payload, gotData)
	mu.Unlock()

	require.Equal(t, Complete, handle.State())
}

func TestResourceSendRejectsWhenAdvertiseCannotFitMDU(t *testing.T) {
	aliceLink, _, aliceMgr, _, _, _ := pair(t)
	_ = aliceLink

	longName := make([]byte, 600)
	_, err := aliceMgr.Send([]byte("x"), string(longName), time.Second)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestResourceHandleWaitTimesOutWithoutPump(t *testing.T) {
	aliceLink, _, aliceMgr, _, _, _ := pair(t)
	_ = aliceLink

	handle, err := aliceMgr.Send([]byte("never delivered"), "f", 50*time.Millisecond)
	require.NoError(t, err)

	err = handle.Wait(time.Second)
	require.ErrorIs(t, err, ErrTimedOut)
	require.Equal(t, Failed, handle.State())
}
