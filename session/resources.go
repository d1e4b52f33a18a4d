package session

import "github.com/deskmux/deskmux/wire"

// MaxStreams bounds how many output streams a session may hold open at once.
const MaxStreams = 64

// ClosedStreamIndex marks a stream slot that is not in use. Holders of a
// stale *Stream can detect closure by comparing Index against it.
const ClosedStreamIndex = -1

// Layer is a drawable-surface handle. On-screen layers carry indices >= 1;
// off-screen buffers carry indices <= -1. Index 0 is reserved for the
// default layer.
type Layer struct {
	Index int
}

// DefaultLayer is the reserved index-0 surface every session shares. It is
// never allocated and must never be freed.
var DefaultLayer = &Layer{Index: 0}

// Stream is one half of a binary transfer channel, identified by a small
// integer the two ends agree on. Callbacks are optional; absent ones mean
// the owner does not care about that event.
type Stream struct {
	Index int

	// Data carries owner state for the life of the stream.
	Data any

	// OnAck runs when the receiving end acknowledges a chunk.
	OnAck func(u *User, s *Stream, message string, status wire.Status) error
	// OnBlob runs for each received data chunk.
	OnBlob func(u *User, s *Stream, data []byte) error
	// OnEnd runs when the sending end closes the stream.
	OnEnd func(u *User, s *Stream) error
}

func (st *Stream) reset(index int) {
	st.Index = index
	st.Data = nil
	st.OnAck = nil
	st.OnBlob = nil
	st.OnEnd = nil
}

// AllocLayer allocates an on-screen layer handle. Layer indices start at 1;
// index 0 belongs to DefaultLayer.
func (s *Session) AllocLayer() *Layer {
	return &Layer{Index: s.layers.Next() + 1}
}

// FreeLayer returns a layer's index for reuse. Freeing nil or the default
// layer does nothing.
func (s *Session) FreeLayer(l *Layer) {
	if l == nil || l.Index < 1 {
		return
	}
	s.layers.Free(l.Index - 1)
}

// AllocBuffer allocates an off-screen buffer handle. Buffer indices start
// at -1 and grow downward.
func (s *Session) AllocBuffer() *Layer {
	return &Layer{Index: -(s.buffers.Next() + 1)}
}

// FreeBuffer returns a buffer's index for reuse. Freeing nil or a
// non-buffer handle does nothing.
func (s *Session) FreeBuffer(b *Layer) {
	if b == nil || b.Index > -1 {
		return
	}
	s.buffers.Free(-b.Index - 1)
}

// OpenStream allocates an output stream slot. It fails with
// ErrTooManyStreams once MaxStreams streams are open, leaving pool and slot
// state untouched; the slot becomes allocatable again after CloseStream.
func (s *Session) OpenStream() (*Stream, error) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	// Checking the bound before drawing keeps a failed allocation free of
	// side effects: nothing is minted, nothing needs returning. With the
	// bound enforced here, pool indices never reach MaxStreams.
	if s.streams.Active() >= MaxStreams {
		return nil, ErrTooManyStreams
	}
	index := s.streams.Next()
	st := &s.outStreams[index]
	st.reset(index)
	return st, nil
}

// CloseStream releases an output stream slot and marks it closed so stale
// holders can notice. Closing an already-closed stream does nothing.
func (s *Session) CloseStream(st *Stream) {
	if st == nil {
		return
	}
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if st.Index == ClosedStreamIndex {
		return
	}
	s.streams.Free(st.Index)
	st.Index = ClosedStreamIndex
}

// InputStream returns the slot for a peer-chosen input stream index,
// initializing it on first use. Indices outside [0, MaxStreams) fail with
// ErrInvalidStream.
func (s *Session) InputStream(index int) (*Stream, error) {
	if index < 0 || index >= MaxStreams {
		return nil, ErrInvalidStream
	}
	st := &s.inStreams[index]
	if st.Index == ClosedStreamIndex {
		st.reset(index)
	}
	return st, nil
}

// CloseInputStream marks a peer-chosen input slot closed.
func (s *Session) CloseInputStream(st *Stream) {
	if st == nil {
		return
	}
	st.Index = ClosedStreamIndex
}
