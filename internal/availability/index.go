// Package availability tracks which peer holds which file and which chunk,
// and answers source-selection queries for the download scheduler.
package availability

import "sync"

// Session is the view the availability index and the download scheduler
// need of a live peer session: enough to identify it, detach it, and issue
// requests through it. The concrete type lives in package peer; this
// interface avoids an import cycle (peer depends on availability to
// attach/detach itself).
type Session interface {
	PeerID() string
	RequestChunk(digest string, index int) error
}

type chunkKey struct {
	digest string
	index  int
}

// Index holds peer_files (digest -> set of peer ids), peer_chunks
// ((digest,index) -> set of peer ids), and the live-session table. A peer
// entry exists in the session table if and only if its session is live;
// Detach removes it from every set in both maps.
type Index struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	peerFiles map[string]map[string]struct{}
	// peerChunks[{digest,index}] is an ordered set of peer ids. A slice
	// plus membership map (chunkSeen) preserves insertion order for the
	// "first registered peer" tie-break while keeping RecordChunk O(1)
	// amortized; Detach walks every entry.
	peerChunks map[chunkKey][]string
	chunkSeen  map[chunkKey]map[string]struct{}
	fileOrder  map[string][]string
}

// New creates an empty availability index.
func New() *Index {
	return &Index{
		sessions:   make(map[string]Session),
		peerFiles:  make(map[string]map[string]struct{}),
		peerChunks: make(map[chunkKey][]string),
		chunkSeen:  make(map[chunkKey]map[string]struct{}),
		fileOrder:  make(map[string][]string),
	}
}

// Attach registers peerID's live session. Idempotent: attaching an
// already-live peer id replaces its session reference.
func (idx *Index) Attach(peerID string, session Session) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.sessions[peerID] = session
}

// Detach removes peerID's session and every trace of it from both
// availability maps, preserving the invariant that a peer entry exists in
// the index if and only if its session is live.
func (idx *Index) Detach(peerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.sessions, peerID)

	for digest, peers := range idx.peerFiles {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(idx.peerFiles, digest)
		}
	}
	for digest, order := range idx.fileOrder {
		idx.fileOrder[digest] = removeString(order, peerID)
	}

	for key, seen := range idx.chunkSeen {
		if _, ok := seen[peerID]; !ok {
			continue
		}
		delete(seen, peerID)
		idx.peerChunks[key] = removeString(idx.peerChunks[key], peerID)
		if len(seen) == 0 {
			delete(idx.chunkSeen, key)
			delete(idx.peerChunks, key)
		}
	}
}

// IsLive reports whether peerID currently has an attached session.
func (idx *Index) IsLive(peerID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.sessions[peerID]
	return ok
}

// Session returns peerID's live session, if any.
func (idx *Index) Session(peerID string) (Session, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.sessions[peerID]
	return s, ok
}

// RecordFile adds peerID as an advertiser of digest. A peer announcing a
// file implicitly advertises every chunk of it; no peer_chunks entries are
// written here.
func (idx *Index) RecordFile(peerID, digest string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.recordFileLocked(peerID, digest)
}

func (idx *Index) recordFileLocked(peerID, digest string) {
	peers, ok := idx.peerFiles[digest]
	if !ok {
		peers = make(map[string]struct{})
		idx.peerFiles[digest] = peers
	}
	if _, already := peers[peerID]; already {
		return
	}
	peers[peerID] = struct{}{}
	idx.fileOrder[digest] = append(idx.fileOrder[digest], peerID)
}

// RecordChunk adds peerID as a known holder of chunk index of digest,
// narrowing availability from file granularity to chunk granularity.
func (idx *Index) RecordChunk(peerID, digest string, index int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := chunkKey{digest: digest, index: index}
	seen, ok := idx.chunkSeen[key]
	if !ok {
		seen = make(map[string]struct{})
		idx.chunkSeen[key] = seen
	}
	if _, already := seen[peerID]; already {
		return
	}
	seen[peerID] = struct{}{}
	idx.peerChunks[key] = append(idx.peerChunks[key], peerID)
}

// SelectSource picks a peer to request (digest, index) from: first any live
// peer known to hold that exact chunk, otherwise any live peer advertising
// the whole file, otherwise none. The reference tie-break is "first
// registered peer" (insertion order); a peer whose session has been
// detached is never returned, since Detach scrubs it from both maps.
func (idx *Index) SelectSource(digest string, index int) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	key := chunkKey{digest: digest, index: index}
	if peers := idx.peerChunks[key]; len(peers) > 0 {
		return peers[0], true
	}
	if order := idx.fileOrder[digest]; len(order) > 0 {
		return order[0], true
	}
	return "", false
}

// AllSessions returns every currently live session, for broadcast
// operations like re-announcing a newly shared file.
func (idx *Index) AllSessions() []Session {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Session, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		out = append(out, s)
	}
	return out
}

// PeersForFile returns the peer ids currently advertising digest, in
// registration order.
func (idx *Index) PeersForFile(digest string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	order := idx.fileOrder[digest]
	out := make([]string, len(order))
	copy(out, order)
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
