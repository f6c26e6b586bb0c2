package hls

import (
	"sync"

	"kptv-player/work/logger"
)

/**
 * SegmentTracker remembers which media segments have already been delivered to
 * the sink, using a fixed-size circular buffer so memory stays bounded on
 * long-running live streams.
 *
 * Live playlists are sliding windows: every refresh repeats most of the
 * previous window, so the tracker is consulted before each download.
 */
type SegmentTracker struct {
	segments    []string       // circular buffer of segment URIs
	segmentMap  map[string]int // URI -> position in buffer
	head        int            // next write position
	maxSize     int
	currentSize int
	mutex       sync.RWMutex
}

/**
 * NewSegmentTracker creates a tracker holding at most maxSize entries
 *
 * @param maxSize Maximum number of segments to remember before eviction
 * @return Empty tracker
 */
func NewSegmentTracker(maxSize int) *SegmentTracker {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &SegmentTracker{
		segments:   make([]string, maxSize),
		segmentMap: make(map[string]int),
		maxSize:    maxSize,
	}
}

/**
 * HasProcessed reports whether uri was delivered recently
 *
 * @param uri Absolute segment URI
 * @return true if the segment is still tracked
 */
func (st *SegmentTracker) HasProcessed(uri string) bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	_, exists := st.segmentMap[uri]
	return exists
}

/**
 * MarkProcessed records uri, evicting the oldest entry when full
 *
 * @param uri Absolute segment URI
 */
func (st *SegmentTracker) MarkProcessed(uri string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, exists := st.segmentMap[uri]; exists {
		return
	}

	if st.currentSize >= st.maxSize {
		if old := st.segments[st.head]; old != "" {
			delete(st.segmentMap, old)
		}
	} else {
		st.currentSize++
	}

	st.segments[st.head] = uri
	st.segmentMap[uri] = st.head
	st.head = (st.head + 1) % st.maxSize
}

/**
 * EnsureCapacity grows the buffer to hold at least n entries, keeping what is
 * already tracked. It never shrinks.
 *
 * @param n Minimum number of segments to remember
 */
func (st *SegmentTracker) EnsureCapacity(n int) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if n <= st.maxSize {
		return
	}

	segments := make([]string, n)
	oldest := (st.head - st.currentSize + st.maxSize) % st.maxSize
	for i := 0; i < st.currentSize; i++ {
		uri := st.segments[(oldest+i)%st.maxSize]
		segments[i] = uri
		st.segmentMap[uri] = i
	}

	logger.Debug("{hls/tracker - EnsureCapacity} Growing tracker from %d to %d segments", st.maxSize, n)
	st.segments = segments
	st.maxSize = n
	st.head = st.currentSize % n
}

// Size returns the number of tracked segments.
func (st *SegmentTracker) Size() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.currentSize
}

// Clear forgets every tracked segment. Used when the sink buffer is reset and
// the current window must be downloaded again.
func (st *SegmentTracker) Clear() {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	logger.Debug("{hls/tracker - Clear} Clearing %d tracked segments", st.currentSize)

	clear(st.segmentMap)
	for i := range st.segments {
		st.segments[i] = ""
	}
	st.head = 0
	st.currentSize = 0
}
