package buffer

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/companyzero/rns/channel"
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

// pumpOnce delivers every packet currently sitting in each side's outlet to
// the other side, round and round, until both outlets are empty. Streams
// chunk a payload into many StreamDataMessages plus their delivery proofs,
// so a single exchange needs several rounds to drain.
func pumpOnce(t *testing.T, aliceLink *link.Link, aliceOutlet *capture, bobLink *link.Link, bobOutlet *capture) {
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
	t.Fatal("pumpOnce: did not converge")
}

// pair builds two handshaken Links, wraps each in a Channel with the stream
// message type registered, exactly as channel package's own tests do.
func pair(t *testing.T) (*link.Link, *capture, *channel.Channel, *link.Link, *capture, *channel.Channel) {
	t.Helper()
	bobPriv, err := identity.New()
	require.NoError(t, err)
	bobIn, err := destination.NewSingleIn(bobPriv, destination.ProveAll, "rnstest", "buffer")
	require.NoError(t, err)
	aliceOut, err := destination.NewSingleOut(&bobPriv.Public, "rnstest", "buffer")
	require.NoError(t, err)

	cfg := rnsconfig.Default()
	cfg.ChannelMaxTries = 3
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

	aliceCh := channel.New(aliceLink, cfg, nil, nil)
	bobCh := channel.New(bobLink, cfg, nil, nil)
	require.NoError(t, RegisterOn(aliceCh))
	require.NoError(t, RegisterOn(bobCh))
	aliceLink.AttachChannel(aliceCh)
	bobLink.AttachChannel(bobCh)

	return aliceLink, aliceOutlet, aliceCh, bobLink, bobOutlet, bobCh
}

func TestStreamDataMessagePackUnpackRoundTrip(t *testing.T) {
	m := StreamDataMessage{StreamID: 42, EOF: true, Data: []byte("hello")}
	raw, err := m.Pack()
	require.NoError(t, err)

	msg, err := UnpackStreamDataMessage(raw)
	require.NoError(t, err)
	got := msg.(StreamDataMessage)
	require.Equal(t, uint16(42), got.StreamID)
	require.True(t, got.EOF)
	require.Equal(t, []byte("hello"), got.Data)
}

func TestStreamDataMessagePackRejectsOversizedStreamID(t *testing.T) {
	m := StreamDataMessage{StreamID: StreamIDMax + 1}
	_, err := m.Pack()
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestRawChannelRoundTripLargePayload(t *testing.T) {
	aliceLink, aliceOutlet, aliceCh, bobLink, bobOutlet, bobCh := pair(t)

	const streamID = uint16(1)
	reader := NewRawChannelReader(streamID)
	bobCh.AddMessageHandler(reader.AsHandler())

	writer := NewRawChannelWriter(aliceCh, streamID)

	payload := make([]byte, 32000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	go func() {
		n, err := writer.Write(payload)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
		require.NoError(t, writer.Close())
	}()

	var got []byte
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		pumpOnce(t, aliceLink, aliceOutlet, bobLink, bobOutlet)
		chunk, err := reader.Read(len(payload) - len(got))
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk...)
		time.Sleep(time.Millisecond)
	}
	pumpOnce(t, aliceLink, aliceOutlet, bobLink, bobOutlet)

	require.Equal(t, payload, got)
}

func TestRawChannelReaderSignalsEOFOnEmptyBuffer(t *testing.T) {
	reader := NewRawChannelReader(3)
	reader.deliver(StreamDataMessage{StreamID: 3, EOF: true})

	out, err := reader.Read(16)
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, out)

	_, err = reader.Read(16)
	require.ErrorIs(t, err, io.EOF)
}

func TestRawChannelReaderReadyCallbackFires(t *testing.T) {
	reader := NewRawChannelReader(9)
	notified := make(chan int, 1)
	reader.AddReadyCallback(func(n int) {
		notified <- n
	})
	reader.deliver(StreamDataMessage{StreamID: 9, Data: []byte("abc")})

	select {
	case n := <-notified:
		require.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("ready callback never fired")
	}
}

func TestBufferedWriterFlushesOnClose(t *testing.T) {
	aliceLink, aliceOutlet, aliceCh, bobLink, bobOutlet, bobCh := pair(t)

	const streamID = uint16(5)
	reader := NewRawChannelReader(streamID)
	bobCh.AddMessageHandler(reader.AsHandler())

	bw := NewBufferedWriter(NewRawChannelWriter(aliceCh, streamID))

	done := make(chan struct{})
	go func() {
		_, err := bw.Write([]byte("line one\nline two\n"))
		require.NoError(t, err)
		require.NoError(t, bw.Close())
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pumpOnce(t, aliceLink, aliceOutlet, bobLink, bobOutlet)
		select {
		case <-done:
			pumpOnce(t, aliceLink, aliceOutlet, bobLink, bobOutlet)
			goto drained
		default:
			time.Sleep(time.Millisecond)
		}
	}
drained:

	scanner := NewLineReader(reader)
	require.True(t, scanner.Scan())
	require.Equal(t, "line one", scanner.Text())
	require.True(t, scanner.Scan())
	require.Equal(t, "line two", scanner.Text())
	require.False(t, scanner.Scan())
}
