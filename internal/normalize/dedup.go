package normalize

import (
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/obsglobal/flowscope/api/schemas"
)

// DedupSet tracks record identities seen within one ingest cycle. It is
// created at tick start and discarded at tick end; multiple worker shards
// insert concurrently, so membership is guarded by a mutex.
type DedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedupSet returns an empty per-cycle set.
func NewDedupSet() *DedupSet {
	return &DedupSet{seen: make(map[string]struct{})}
}

// CheckAndAdd inserts the key and reports whether it was already present.
// The check and insert are one atomic step so two shards racing on the same
// record agree on exactly one winner.
func (d *DedupSet) CheckAndAdd(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Len returns the number of distinct keys seen this cycle.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// dedupKey identifies a record: the record id when present, otherwise a
// content hash of the source URL.
func dedupKey(rec schemas.RawEventRecord) string {
	if rec.RecordID != "" {
		return rec.RecordID
	}
	h := fnv.New64a()
	h.Write([]byte(rec.SourceURL))
	return "url:" + strconv.FormatUint(h.Sum64(), 16)
}
