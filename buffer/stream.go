// Package buffer implements Reticulum's stream layer atop Channel:
// StreamDataMessage (the system message type carrying raw byte chunks), a
// RawChannelReader/RawChannelWriter pair per stream id, and a buffered
// wrapper with line-oriented reads. It is a direct Go rendering of
// original_source/RNS/Buffer.py — the StreamDataMessage pack/unpack layout,
// the ready-callback-driven reader, the chunk-and-send writer that swallows
// a not-ready outlet rather than failing, and the static Buffer
// reader/writer factory pattern all come from that file.
package buffer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/companyzero/rns/channel"
)

// notReadyRetryDelay is how long Write pauses before retrying a chunk after
// the Channel reports ErrLinkNotReady (its one-envelope-at-a-time invariant
// or a torn-down Link) — without it, a Channel that never drains would spin
// Write at 100% CPU instead of waiting for the in-flight envelope to clear.
const notReadyRetryDelay = 5 * time.Millisecond

// StreamMsgType is the reserved system MSGTYPE for stream data chunks.
const StreamMsgType channel.MsgType = channel.SystemMsgTypeFloor

// eofBit marks the high bit of the 16-bit stream header as carrying the
// final chunk of a stream.
const eofBit = uint16(1) << 15

// streamIDMask isolates the 15-bit stream id from the header.
const streamIDMask = uint16(0x7fff)

// StreamIDMax is the largest representable stream id (spec.md §4.7:
// "15-bit stream_id").
const StreamIDMax = 0x7fff

var (
	ErrStreamClosed = errors.New("buffer: stream closed")
	ErrBadHeader    = errors.New("buffer: malformed stream header")
)

// StreamDataMessage is the Channel message every stream chunk travels in:
// a 2-byte (eof_bit | stream_id) header followed by raw payload bytes.
type StreamDataMessage struct {
	StreamID uint16
	EOF      bool
	Data     []byte
}

func (m StreamDataMessage) MsgType() channel.MsgType { return StreamMsgType }

func (m StreamDataMessage) Pack() ([]byte, error) {
	if m.StreamID > StreamIDMax {
		return nil, fmt.Errorf("%w: stream id %d exceeds %d", ErrBadHeader, m.StreamID, StreamIDMax)
	}
	header := m.StreamID & streamIDMask
	if m.EOF {
		header |= eofBit
	}
	out := make([]byte, 2+len(m.Data))
	binary.BigEndian.PutUint16(out[:2], header)
	copy(out[2:], m.Data)
	return out, nil
}

// UnpackStreamDataMessage is the channel.Unpacker registered for
// StreamMsgType.
func UnpackStreamDataMessage(body []byte) (channel.Message, error) {
	if len(body) < 2 {
		return nil, ErrBadHeader
	}
	header := binary.BigEndian.Uint16(body[:2])
	return StreamDataMessage{
		StreamID: header & streamIDMask,
		EOF:      header&eofBit != 0,
		Data:     append([]byte(nil), body[2:]...),
	}, nil
}

// MaxDataLen is the largest payload a single StreamDataMessage can carry
// without exceeding ch's MDU: spec.md §4.7's "Link.MDU - 8" restated in
// terms of the Channel's own MDU (which already subtracts the 6-byte
// envelope header), minus the 2-byte stream header.
func MaxDataLen(ch *channel.Channel) int {
	return ch.MDU() - 2
}

// RegisterOn binds the StreamDataMessage system type to ch. Call once per
// Channel before using any Reader/Writer built on it.
func RegisterOn(ch *channel.Channel) error {
	return ch.RegisterSystemMessageType(StreamMsgType, UnpackStreamDataMessage)
}

// RawChannelReader accumulates inbound chunks for one stream id into a
// growable buffer and notifies ready callbacks of the buffer's current
// length. It owns no goroutine; the channel.HandlerFunc returned by
// AsHandler feeds it directly.
type RawChannelReader struct {
	mu       sync.Mutex
	streamID uint16
	buf      []byte
	eof      bool
	readyCBs []func(n int)

	cond *sync.Cond
}

// NewRawChannelReader constructs a reader for streamID. Attach it to a
// Channel with AsHandler.
func NewRawChannelReader(streamID uint16) *RawChannelReader {
	r := &RawChannelReader{streamID: streamID}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// AsHandler returns a channel.HandlerFunc that feeds matching
// StreamDataMessages into the reader and consumes them (returns true),
// letting other stream ids fall through to the next handler in the chain.
func (r *RawChannelReader) AsHandler() channel.HandlerFunc {
	return func(m channel.Message) bool {
		sdm, ok := m.(StreamDataMessage)
		if !ok || sdm.StreamID != r.streamID {
			return false
		}
		r.deliver(sdm)
		return true
	}
}

func (r *RawChannelReader) deliver(sdm StreamDataMessage) {
	r.mu.Lock()
	if len(sdm.Data) > 0 {
		r.buf = append(r.buf, sdm.Data...)
	}
	if sdm.EOF {
		r.eof = true
	}
	n := len(r.buf)
	cbs := append([]func(int){}, r.readyCBs...)
	r.cond.Broadcast()
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(n)
	}
}

// AddReadyCallback registers cb to be called with the buffer's length every
// time new data (or EOF) arrives.
func (r *RawChannelReader) AddReadyCallback(cb func(n int)) {
	r.mu.Lock()
	r.readyCBs = append(r.readyCBs, cb)
	r.mu.Unlock()
}

// Read returns up to n buffered bytes, blocking until at least one byte is
// available or EOF is reached. It returns (nil, io.EOF) only once the
// buffer is empty and EOF has been observed, matching spec.md §4.7's
// "None to signal EOF-with-empty-buffer".
func (r *RawChannelReader) Read(n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && !r.eof {
		r.cond.Wait()
	}
	if len(r.buf) == 0 {
		return nil, io.EOF
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return out, nil
}

// RawChannelWriter splits outbound payloads into MaxDataLen chunks and sends
// each as a StreamDataMessage. Close sends a final empty EOF chunk.
type RawChannelWriter struct {
	ch       *channel.Channel
	streamID uint16
	closed   bool
	mu       sync.Mutex
}

// NewRawChannelWriter constructs a writer for streamID over ch. ch must
// already have RegisterOn called on it.
func NewRawChannelWriter(ch *channel.Channel, streamID uint16) *RawChannelWriter {
	return &RawChannelWriter{ch: ch, streamID: streamID}
}

// Write chunks and sends data. A LinkNotReady error from the underlying
// Channel (the one-in-flight invariant, or a torn-down Link) is swallowed
// rather than surfaced — original_source/RNS/Buffer.py's RawChannelWriter
// does the same for ME_LINK_NOT_READY, treating it as "try again later"
// rather than a write failure — while any other error still propagates.
func (w *RawChannelWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStreamClosed
	}
	maxLen := MaxDataLen(w.ch)
	sent := 0
	for len(data) > 0 {
		n := len(data)
		if n > maxLen {
			n = maxLen
		}
		chunk := data[:n]
		err := w.ch.Send(StreamDataMessage{StreamID: w.streamID, Data: chunk})
		switch {
		case err == nil:
			sent += n
			data = data[n:]
		case errors.Is(err, channel.ErrLinkNotReady):
			time.Sleep(notReadyRetryDelay)
		default:
			return sent, err
		}
	}
	return sent, nil
}

// Close sends an empty EOF-marked chunk and marks the writer closed. It
// retries on ErrLinkNotReady the same way Write does: dropping the final
// EOF chunk would leave the peer's RawChannelReader blocked in Read forever.
func (w *RawChannelWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for {
		err := w.ch.Send(StreamDataMessage{StreamID: w.streamID, EOF: true})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, channel.ErrLinkNotReady):
			time.Sleep(notReadyRetryDelay)
		default:
			return err
		}
	}
}

// bufferedReader wraps a RawChannelReader with bufio-style buffered,
// line-oriented reads (spec.md §4.7 "Buffered reader/writer").
type bufferedReader struct {
	raw *RawChannelReader
	buf []byte
}

// NewBufferedReader wraps raw with standard buffered I/O semantics.
func NewBufferedReader(raw *RawChannelReader) io.Reader {
	return &bufferedReader{raw: raw}
}

func (b *bufferedReader) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		chunk, err := b.raw.Read(4096)
		if err != nil {
			return 0, err
		}
		b.buf = chunk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// NewLineReader wraps raw in a bufio.Scanner for line-oriented reads.
func NewLineReader(raw *RawChannelReader) *bufio.Scanner {
	return bufio.NewScanner(NewBufferedReader(raw))
}

// BufferedWriter wraps a RawChannelWriter with bufio-style flush-on-close
// buffering.
type BufferedWriter struct {
	w   *RawChannelWriter
	buf *bufio.Writer
}

// NewBufferedWriter wraps w with standard buffered I/O semantics: writes
// accumulate until Flush or Close, which both flush to the underlying
// stream.
func NewBufferedWriter(w *RawChannelWriter) *BufferedWriter {
	bw := &BufferedWriter{w: w}
	bw.buf = bufio.NewWriter(writerFunc(func(p []byte) (int, error) { return w.Write(p) }))
	return bw
}

func (bw *BufferedWriter) Write(p []byte) (int, error) { return bw.buf.Write(p) }
func (bw *BufferedWriter) Flush() error                { return bw.buf.Flush() }
func (bw *BufferedWriter) Close() error {
	if err := bw.buf.Flush(); err != nil {
		return err
	}
	return bw.w.Close()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
