package crdt

import (
	"fmt"
	"slices"
	"time"

	"github.com/automerge/automerge-go"
)

// maxMessagesPerFlush bounds a single Generate call. The sync protocol
// normally needs one or two messages per round trip.
const maxMessagesPerFlush = 16

// Peer tracks what one remote replica is known to have, so only missing
// changes are sent to it. A Peer shares its Doc's lock.
type Peer struct {
	doc   *Doc
	state *automerge.SyncState
}

// Receive merges a sync message from the remote replica. When the message
// carried changes new to this document, changed is true and delta holds
// those changes in incremental form.
func (p *Peer) Receive(msg []byte) (delta []byte, changed bool, err error) {
	start := time.Now()
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()

	before := p.doc.am.Heads()
	if _, err := p.state.ReceiveMessage(msg); err != nil {
		mergeErrors.WithLabelValues("sync").Inc()
		return nil, false, fmt.Errorf("receive sync message: %w", err)
	}
	mergeLatency.Observe(time.Since(start).Seconds())

	if slices.Equal(before, p.doc.am.Heads()) {
		return nil, false, nil
	}
	return p.doc.am.SaveIncremental(), true, nil
}

// Generate returns the sync messages the remote replica needs next. It
// returns nil when the peer is up to date or a reply is still outstanding.
func (p *Peer) Generate() [][]byte {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()

	var out [][]byte
	for i := 0; i < maxMessagesPerFlush; i++ {
		msg, valid := p.state.GenerateMessage()
		if !valid || msg == nil {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}
