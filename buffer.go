package rfmesh

import (
	"errors"
	"sync"
)

// Buffer receives the measurements collected by the ground node.
type Buffer interface {
	Put(p *RSSIGroundStation) error
}

// BufferFunc adapts a function to a Buffer.
type BufferFunc func(p *RSSIGroundStation) error

func (f BufferFunc) Put(p *RSSIGroundStation) error {
	return f(p)
}

// MultiBuffer stores each measurement in every buffer, in order. All buffers
// are attempted even when one fails.
type MultiBuffer []Buffer

func (m MultiBuffer) Put(p *RSSIGroundStation) error {
	var errs []error
	for _, b := range m {
		if err := b.Put(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryBuffer keeps measurements in memory.
type MemoryBuffer struct {
	lk    sync.Mutex
	items []*RSSIGroundStation
}

func (m *MemoryBuffer) Put(p *RSSIGroundStation) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.items = append(m.items, Clone(p).(*RSSIGroundStation))
	return nil
}

// Measurements returns a copy of the stored measurements.
func (m *MemoryBuffer) Measurements() []*RSSIGroundStation {
	m.lk.Lock()
	defer m.lk.Unlock()

	res := make([]*RSSIGroundStation, len(m.items))
	copy(res, m.items)
	return res
}
