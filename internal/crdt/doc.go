package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// ContentKey is the root map key holding the shared text object.
const ContentKey = "content"

// ErrOutOfRange is returned when an edit addresses a position outside the
// current text.
var ErrOutOfRange = errors.New("edit position out of range")

// Doc is a replicated text document backed by automerge. All access to the
// underlying automerge document goes through mu, which makes Doc the
// serialization point for merges, local edits and snapshot reads.
type Doc struct {
	mu sync.Mutex
	am *automerge.Doc
}

// genesisActor and genesisTime make the change that creates the text object
// byte-identical on every replica, so concurrent first edits land in the
// same object instead of conflicting on ContentKey.
const genesisActor = "00000000000000000000000000000001"

var genesisTime = time.Unix(0, 0).UTC()

// New returns an empty document.
func New() *Doc {
	am := automerge.New()
	if err := seedGenesis(am); err != nil {
		// Edits still work; the text object is then created on first edit.
		genesisFailures.Inc()
		return &Doc{am: automerge.New()}
	}
	return &Doc{am: am}
}

func seedGenesis(am *automerge.Doc) error {
	actor := am.ActorID()
	if err := am.SetActorID(genesisActor); err != nil {
		return fmt.Errorf("set genesis actor: %w", err)
	}
	if err := am.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return fmt.Errorf("create text: %w", err)
	}
	if _, err := am.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	if err := am.SetActorID(actor); err != nil {
		return fmt.Errorf("restore actor: %w", err)
	}
	_ = am.SaveIncremental()
	return nil
}

// Load populates a document from a durable snapshot. An empty snapshot yields
// an empty document.
func Load(snapshot []byte) (*Doc, error) {
	if len(snapshot) == 0 {
		return New(), nil
	}
	start := time.Now()
	am, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	loadLatency.Observe(time.Since(start).Seconds())
	d := &Doc{am: am}
	if !d.hasTextLocked() {
		if _, err := am.Merge(New().am); err != nil {
			return nil, fmt.Errorf("merge genesis: %w", err)
		}
	}
	// Reset the incremental save marker so later deltas exclude the snapshot.
	_ = am.SaveIncremental()
	return d, nil
}

// Save serializes the full current state.
func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// Text returns the current plain text content.
func (d *Doc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

// Len returns the length of the text in characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasTextLocked() {
		return 0
	}
	return d.am.Path(ContentKey).Text().Len()
}

// Heads returns the hex encoded change hashes at the tip of the document.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.am.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

// Insert adds s at pos.
func (d *Doc) Insert(pos int, s string) error {
	return d.edit(func(text *automerge.Text) error {
		if pos < 0 || pos > text.Len() {
			return ErrOutOfRange
		}
		return text.Insert(pos, s)
	})
}

// Append adds s to the end of the text.
func (d *Doc) Append(s string) error {
	return d.edit(func(text *automerge.Text) error {
		return text.Insert(text.Len(), s)
	})
}

// Delete removes n characters starting at pos.
func (d *Doc) Delete(pos, n int) error {
	return d.edit(func(text *automerge.Text) error {
		if pos < 0 || n < 0 || pos+n > text.Len() {
			return ErrOutOfRange
		}
		return text.Delete(pos, n)
	})
}

// Merge folds every change of other into d. It is commutative and idempotent.
func (d *Doc) Merge(other *Doc) (bool, error) {
	if other == d {
		return false, nil
	}
	forked, err := other.fork()
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.am.Heads()
	if _, err := d.am.Merge(forked); err != nil {
		return false, fmt.Errorf("merge: %w", err)
	}
	changed := !slices.Equal(before, d.am.Heads())
	if changed {
		_ = d.am.SaveIncremental()
	}
	return changed, nil
}

// MergeSnapshot merges a full serialized state into d.
func (d *Doc) MergeSnapshot(snapshot []byte) (bool, error) {
	if len(snapshot) == 0 {
		return false, nil
	}
	other, err := automerge.Load(snapshot)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.am.Heads()
	if _, err := d.am.Merge(other); err != nil {
		return false, fmt.Errorf("merge snapshot: %w", err)
	}
	changed := !slices.Equal(before, d.am.Heads())
	if changed {
		_ = d.am.SaveIncremental()
	}
	return changed, nil
}

// ApplyUpdate loads an incremental delta produced by another replica.
// Applying the same delta more than once has no further effect.
func (d *Doc) ApplyUpdate(delta []byte) (bool, error) {
	if len(delta) == 0 {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.am.Heads()
	if err := d.am.LoadIncremental(delta); err != nil {
		mergeErrors.WithLabelValues("update").Inc()
		return false, fmt.Errorf("apply update: %w", err)
	}
	changed := !slices.Equal(before, d.am.Heads())
	if changed {
		_ = d.am.SaveIncremental()
	}
	return changed, nil
}

// Delta returns every change of d as an incremental update that another
// replica can pass to ApplyUpdate.
func (d *Doc) Delta() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// NewPeer starts a sync session with one remote replica.
func (d *Doc) NewPeer() *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Peer{doc: d, state: automerge.NewSyncState(d.am)}
}

func (d *Doc) edit(fn func(*automerge.Text) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasTextLocked() {
		if err := d.am.Path(ContentKey).Set(automerge.NewText("")); err != nil {
			return fmt.Errorf("create text: %w", err)
		}
	}
	if err := fn(d.am.Path(ContentKey).Text()); err != nil {
		return err
	}
	if _, err := d.am.Commit("edit"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	_ = d.am.SaveIncremental()
	return nil
}

func (d *Doc) fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	forked, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	return forked, nil
}

func (d *Doc) hasTextLocked() bool {
	v, err := d.am.Path(ContentKey).Get()
	if err != nil {
		return false
	}
	return v.Kind() == automerge.KindText
}

func (d *Doc) textLocked() (string, error) {
	if !d.hasTextLocked() {
		return "", nil
	}
	s, err := d.am.Path(ContentKey).Text().Get()
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return s, nil
}
