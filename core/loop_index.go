package core

import (
	"fmt"
	"sync"

	"github.com/sipstack/siptx/sip"
)

// LoopIndex detects looped requests per RFC 3261 §16.3 step 4 / the UAS
// merged-request check of §8.2.2.2: a request is a loop when its dialog
// identity (From-tag, Call-ID, CSeq) has already been seen from a different
// transaction while no To-tag is present yet.
//
// Bucketed the same way sip.transactionStore shards its entries: a plain map
// guarded by a RWMutex, not sync.Map, since entries are read far more than
// they're written but every write also needs the read-modify-write of a set
// membership check.
type LoopIndex struct {
	mu      sync.RWMutex
	buckets map[string]map[string]struct{}
}

// NewLoopIndex returns an empty LoopIndex.
func NewLoopIndex() *LoopIndex {
	return &LoopIndex{buckets: make(map[string]map[string]struct{})}
}

// dialogKey builds the (From-tag, Call-ID, CSeq) bucket key for req.
func dialogKey(req *sip.Request) (string, error) {
	from := req.From()
	if from == nil {
		return "", fmt.Errorf("core: request missing From header")
	}
	callID := req.CallID()
	if callID == nil {
		return "", fmt.Errorf("core: request missing Call-ID header")
	}
	cseq := req.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("core: request missing CSeq header")
	}
	fromTag, _ := from.Params.Get("tag")
	return fmt.Sprintf("%s|%s|%d|%s", fromTag, callID.Value(), cseq.SeqNo, cseq.MethodName), nil
}

// Insert records req's server transaction key under its dialog bucket. It
// should be called once a request is accepted into processing.
func (idx *LoopIndex) Insert(req *sip.Request) error {
	key, err := dialogKey(req)
	if err != nil {
		return err
	}
	txKey, err := sip.ServerTxKeyMake(req)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	bucket, ok := idx.buckets[key]
	if !ok {
		bucket = make(map[string]struct{})
		idx.buckets[key] = bucket
	}
	bucket[txKey] = struct{}{}
	return nil
}

// Remove drops req's transaction key from its dialog bucket, called on
// transaction termination so the index doesn't grow without bound.
func (idx *LoopIndex) Remove(req *sip.Request) {
	key, err := dialogKey(req)
	if err != nil {
		return
	}
	txKey, err := sip.ServerTxKeyMake(req)
	if err != nil {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	bucket, ok := idx.buckets[key]
	if !ok {
		return
	}
	delete(bucket, txKey)
	if len(bucket) == 0 {
		delete(idx.buckets, key)
	}
}

// IsLoop reports whether req is a looped request: no To-tag yet, its dialog
// bucket is non-empty, and the bucket does not hold req's own transaction key.
func (idx *LoopIndex) IsLoop(req *sip.Request) bool {
	to := req.To()
	if to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			return false
		}
	}

	key, err := dialogKey(req)
	if err != nil {
		return false
	}
	txKey, err := sip.ServerTxKeyMake(req)
	if err != nil {
		return false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bucket, ok := idx.buckets[key]
	if !ok || len(bucket) == 0 {
		return false
	}
	if _, own := bucket[txKey]; own {
		return false
	}
	return true
}
