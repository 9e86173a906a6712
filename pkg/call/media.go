package call

import (
	"context"
	"sync"

	"zvonilka/pkg/media"

	"github.com/pkg/errors"
)

// mediaCoordinator lends local bundles to sessions. A bundle goes back to the
// supplier exactly once, when its last reference is dropped.
type mediaCoordinator struct {
	supplier MediaSupplier

	mu   sync.Mutex
	refs map[*media.Bundle]int
}

func newMediaCoordinator(supplier MediaSupplier) *mediaCoordinator {
	return &mediaCoordinator{
		supplier: supplier,
		refs:     make(map[*media.Bundle]int),
	}
}

func (m *mediaCoordinator) acquire(ctx context.Context, c media.Constraints) (*media.Bundle, error) {
	bundle, err := m.supplier.Acquire(ctx, c)
	if err != nil {
		if errors.Is(err, ErrMediaUnavailable) {
			return nil, errors.Wrap(err, "media")
		}

		return nil, errors.Wrap(ErrMediaUnavailable, err.Error())
	}

	m.mu.Lock()
	m.refs[bundle]++
	m.mu.Unlock()

	return bundle, nil
}

func (m *mediaCoordinator) release(bundle *media.Bundle) {
	if bundle == nil {
		return
	}

	m.mu.Lock()

	n, ok := m.refs[bundle]
	if !ok {
		m.mu.Unlock()

		return
	}

	if n > 1 {
		m.refs[bundle] = n - 1
		m.mu.Unlock()

		return
	}

	delete(m.refs, bundle)
	m.mu.Unlock()

	m.supplier.Release(bundle)
}

func (m *mediaCoordinator) attachRemote(remote media.Remote) {
	m.supplier.AttachRemote(remote)
}
