package link

import (
	"sync"
	"time"

	"github.com/companyzero/rns/packet"
	"github.com/google/uuid"
)

// ReceiptState is a delivery Receipt's lifecycle.
type ReceiptState int

const (
	Sent ReceiptState = iota
	Delivered
	Failed
)

// Receipt tracks one outbound proof-requesting packet: its wire bytes (for
// identical-bytes retransmission), a single-shot timeout timer, and the
// delivered/timeout callbacks a caller can attach. Channel builds its own
// multi-try retry policy on top of a Receipt's single-shot timeout: its
// OnTimeout callback calls Link.Resend, which re-arms the same Receipt's
// timer; Receipt itself never retries.
type Receipt struct {
	mu sync.Mutex

	link  *Link
	hash  [packet.HashSize]byte
	raw   []byte
	state ReceiptState

	sentAt    time.Time
	triesDone int

	timer       *time.Timer
	timeoutID   uuid.UUID // identifies the currently-armed timer; a fresh arm() invalidates any in-flight fire for an older id
	onDelivered func(rtt time.Duration)
	onTimeout   func()
}

func newReceipt(l *Link, hash [packet.HashSize]byte, raw []byte) *Receipt {
	return &Receipt{
		link:   l,
		hash:   hash,
		raw:    raw,
		state:  Sent,
		sentAt: time.Now(),
	}
}

// arm (re)starts the timeout timer with d, cancelling any prior one. The
// timer's fire is tagged with a fresh id; fireTimeout discards a fire whose
// id no longer matches r.timeoutID, so a Stop() raced by the runtime's timer
// queue can never double-count a superseded timeout (Design Note 9: "a
// fresh timeout invalidates older ones by comparing ids under the packet's
// lock").
func (r *Receipt) arm(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Sent {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	id := uuid.New()
	r.timeoutID = id
	r.timer = time.AfterFunc(d, func() { r.fireTimeout(id) })
}

func (r *Receipt) fireTimeout(id uuid.UUID) {
	r.mu.Lock()
	if r.state != Sent || id != r.timeoutID {
		r.mu.Unlock()
		return
	}
	r.triesDone++
	cb := r.onTimeout
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (r *Receipt) tries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triesDone
}

// OnDelivered registers the callback fired when a matching delivery proof
// arrives. If delivery already happened, it fires immediately.
func (r *Receipt) OnDelivered(cb func(rtt time.Duration)) {
	r.mu.Lock()
	already := r.state == Delivered
	rtt := time.Since(r.sentAt)
	if !already {
		r.onDelivered = cb
	}
	r.mu.Unlock()
	if already && cb != nil {
		cb(rtt)
	}
}

// OnTimeout registers the callback fired each time the receipt's timer
// expires without delivery. Channel uses this to drive its own retry/give-up
// decision; it is invoked once per timer expiry, not once total.
func (r *Receipt) OnTimeout(cb func()) {
	r.mu.Lock()
	r.onTimeout = cb
	r.mu.Unlock()
}

// State returns the receipt's current lifecycle state.
func (r *Receipt) State() ReceiptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Tries returns the number of timeouts this receipt has fired so far.
func (r *Receipt) Tries() int {
	return r.tries()
}

func (r *Receipt) markDelivered() {
	r.mu.Lock()
	if r.state != Sent {
		r.mu.Unlock()
		return
	}
	r.state = Delivered
	if r.timer != nil {
		r.timer.Stop()
	}
	cb := r.onDelivered
	rtt := time.Since(r.sentAt)
	r.mu.Unlock()
	if cb != nil {
		cb(rtt)
	}
}

func (r *Receipt) markFailed() {
	r.mu.Lock()
	if r.state != Sent {
		r.mu.Unlock()
		return
	}
	r.state = Failed
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
}
