package bucket

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/scwright027/kv-engine/lib/engine/hashtable"
	"github.com/scwright027/kv-engine/lib/engine/item"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
)

// --------------------------------------------------------------------------
// Disk store
// --------------------------------------------------------------------------

// diskKey addresses one persisted document.
type diskKey struct {
	vb  int
	key string
}

// diskRecord is the persisted form of a document: enough to rebuild the
// in-memory value after an ejection.
type diskRecord struct {
	value  []byte
	seqno  uint64
	cas    uint64
	expiry uint32
}

// diskStore stands in for the persistence layer. Flushed values survive
// ejection here and come back through the background fetcher.
type diskStore struct {
	data *xsync.MapOf[diskKey, diskRecord]
}

func newDiskStore() *diskStore {
	return &diskStore{data: xsync.NewMapOf[diskKey, diskRecord]()}
}

func (d *diskStore) put(vb int, sv *item.StoredValue) {
	d.data.Store(diskKey{vb: vb, key: sv.Key}, diskRecord{
		value:  append([]byte(nil), sv.Value...),
		seqno:  sv.Seqno,
		cas:    sv.CAS,
		expiry: sv.Expiry,
	})
}

func (d *diskStore) get(vb int, key string) (diskRecord, bool) {
	return d.data.Load(diskKey{vb: vb, key: key})
}

func (d *diskStore) remove(vb int, key string) {
	d.data.Delete(diskKey{vb: vb, key: key})
}

func (b *Bucket) removeFromDisk(vb int, key string) {
	if b.disk != nil {
		b.disk.remove(vb, key)
	}
}

// --------------------------------------------------------------------------
// Flusher
// --------------------------------------------------------------------------

// flushVisitor persists dirty resident values. It only clears the dirty
// flag, never residency or size, so DecisionSkip carries no bookkeeping.
type flushVisitor struct {
	disk    *diskStore
	vbID    int
	flushed int
}

func (fv *flushVisitor) Visit(sv *item.StoredValue) hashtable.Decision {
	if sv.Dirty && sv.Resident {
		fv.disk.put(fv.vbID, sv)
		sv.MarkClean()
		fv.flushed++
	}
	return hashtable.DecisionSkip
}

func (fv *flushVisitor) ShouldContinue() bool { return true }

// FlushVBucket persists the vbucket's dirty items, making them eligible
// for value ejection. Ephemeral buckets have no persistence and report an
// error.
func (b *Bucket) FlushVBucket(vbID int) (int, error) {
	if b.disk == nil {
		return 0, fmt.Errorf("bucket %q is ephemeral, nothing to flush", b.name)
	}
	vb := b.VB(vbID)
	if vb == nil {
		return 0, ErrNotMyVBucket
	}
	fv := &flushVisitor{disk: b.disk, vbID: vbID}
	vb.HT().Visit(fv)
	return fv.flushed, nil
}

// FlushAll persists every online vbucket.
func (b *Bucket) FlushAll() int {
	if b.disk == nil {
		return 0
	}
	total := 0
	for _, vb := range b.OnlineVBuckets() {
		n, _ := b.FlushVBucket(vb.ID())
		total += n
	}
	return total
}

// --------------------------------------------------------------------------
// Background fetcher
// --------------------------------------------------------------------------

// bgFetchTask restores one ejected value from disk. It runs once; the
// pending-fetch mark on the vbucket keeps pagers away from the key while
// the fetch is in flight.
type bgFetchTask struct {
	b   *Bucket
	vb  *vbucket.VBucket
	key string
}

func (t *bgFetchTask) Description() string {
	return fmt.Sprintf("Fetching item from disk for vb %d", t.vb.ID())
}

func (t *bgFetchTask) Run() bool {
	defer t.vb.CompletePendingFetch(t.key)

	rec, ok := t.b.disk.get(t.vb.ID(), t.key)
	if !ok {
		// deleted (or never flushed) while the fetch was queued
		return false
	}
	restored := false
	t.vb.HT().Store(t.key, func(old *item.StoredValue) *item.StoredValue {
		if old == nil || old.Resident {
			// deleted or already restored; do not resurrect
			return nil
		}
		sv := *old
		sv.Value = append([]byte(nil), rec.value...)
		sv.Resident = true
		restored = true
		return &sv
	})
	if restored {
		t.b.st.BGFetches.Inc()
	}
	return false
}

// scheduleBGFetch queues a disk fetch for key unless one is already in
// flight.
func (b *Bucket) scheduleBGFetch(vb *vbucket.VBucket, key string) {
	if b.disk == nil {
		// ephemeral values are deleted, not ejected; nothing to fetch
		return
	}
	if vb.HasPendingFetch(key) {
		return
	}
	vb.AddPendingFetch(key)
	b.ex.Schedule(&bgFetchTask{b: b, vb: vb, key: key}, 0)
}
