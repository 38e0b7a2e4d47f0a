package remset

import "sync"

// CodeBlobID identifies a compiled code blob in the external code cache.
type CodeBlobID uint64

// codeRootSet tracks compiled code blobs holding references into the owning
// region. Kept separate from the card tables: code roots are few, and the
// JIT adds and removes them on its own schedule.
type codeRootSet struct {
	mu    sync.Mutex
	blobs map[CodeBlobID]struct{}
}

func (s *codeRootSet) init() {
	s.blobs = map[CodeBlobID]struct{}{}
}

func (s *codeRootSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *codeRootSet) clear() {
	s.mu.Lock()
	s.blobs = map[CodeBlobID]struct{}{}
	s.mu.Unlock()
}

// AddCodeRoot records a code blob referencing objects in the owning region.
// Adding the same blob twice is a no-op.
func (rs *RemSet) AddCodeRoot(id CodeBlobID) {
	rs.code.mu.Lock()
	rs.code.blobs[id] = struct{}{}
	rs.code.mu.Unlock()
}

// RemoveCodeRoot drops a code blob, typically after the JIT unloads it.
func (rs *RemSet) RemoveCodeRoot(id CodeBlobID) {
	rs.code.mu.Lock()
	delete(rs.code.blobs, id)
	rs.code.mu.Unlock()
}

// HasCodeRoot reports whether a blob is recorded.
func (rs *RemSet) HasCodeRoot(id CodeBlobID) bool {
	rs.code.mu.Lock()
	defer rs.code.mu.Unlock()
	_, ok := rs.code.blobs[id]
	return ok
}

// CodeRootCount returns the number of recorded blobs.
func (rs *RemSet) CodeRootCount() int {
	return rs.code.count()
}

// CodeRootsDo calls fn for every recorded blob. The set is snapshotted
// first, so fn may add or remove roots.
func (rs *RemSet) CodeRootsDo(fn func(CodeBlobID)) {
	rs.code.mu.Lock()
	snapshot := make([]CodeBlobID, 0, len(rs.code.blobs))
	for id := range rs.code.blobs {
		snapshot = append(snapshot, id)
	}
	rs.code.mu.Unlock()
	for _, id := range snapshot {
		fn(id)
	}
}
