package goplaylib

import (
	"sync"

	"github.com/droneview/goplaylib/pkg/vmeta"
)

// PeerMetadata gives concurrent read access to the metadata of the
// device a media originates from. It may be read from a render thread
// while the demuxer updates it.
type PeerMetadata struct {
	mu      sync.RWMutex
	session vmeta.SessionMetadata
}

// Session returns a copy of the session metadata.
func (m *PeerMetadata) Session() vmeta.SessionMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *PeerMetadata) mergeRecordingEntry(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ReadRecordingEntry(key, value)
}
