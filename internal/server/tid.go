package server

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/kelindar/bitmap"
)

var ErrNoPorts = errors.New("server: no free transfer id ports")

// TIDAllocator hands out local ports to use as transfer identifiers.
// RFC 1350 wants TIDs chosen at random, so probing starts at a random
// offset inside the configured range.
type TIDAllocator struct {
	mu       sync.Mutex
	used     bitmap.Bitmap
	min, max int
}

func NewTIDAllocator(min, max int) *TIDAllocator {
	if max < min {
		min, max = max, min
	}
	return &TIDAllocator{min: min, max: max}
}

// Acquire reserves a free port in the range.
func (a *TIDAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		slot := uint32((start + i) % span)
		if !a.used.Contains(slot) {
			a.used.Set(slot)
			return a.min + int(slot), nil
		}
	}
	return 0, ErrNoPorts
}

// Release returns a port to the pool. Ports outside the range are ignored.
func (a *TIDAllocator) Release(port int) {
	if port < a.min || port > a.max {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used.Remove(uint32(port - a.min))
}
