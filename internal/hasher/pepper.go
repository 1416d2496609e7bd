package hasher

import (
	"errors"
	"sync"
)

// ErrPepperMissing means no pepper is configured. Hashing refuses to run
// without one.
var ErrPepperMissing = errors.New("api key pepper is not configured")

// PepperSource yields the server-side pepper.
type PepperSource interface {
	Pepper() ([]byte, error)
}

// LazyPepper loads the pepper on first use and serves the cached copy after
// that. A failed load is not cached so that a fixed configuration is picked
// up without a restart.
type LazyPepper struct {
	load func() (string, error)

	mu     sync.RWMutex
	pepper []byte
}

// NewLazyPepper returns a LazyPepper that resolves its value through load.
func NewLazyPepper(load func() (string, error)) *LazyPepper {
	return &LazyPepper{load: load}
}

// StaticPepper returns a source for a fixed value.
func StaticPepper(value string) *LazyPepper {
	return NewLazyPepper(func() (string, error) { return value, nil })
}

// Pepper implements PepperSource.
func (p *LazyPepper) Pepper() ([]byte, error) {
	p.mu.RLock()
	cached := p.pepper
	p.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pepper != nil {
		return p.pepper, nil
	}
	v, err := p.load()
	if err != nil {
		return nil, err
	}
	if v == "" {
		return nil, ErrPepperMissing
	}
	p.pepper = []byte(v)
	return p.pepper, nil
}
