package domain

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReferencePrefix starts every transaction reference code.
const ReferencePrefix = "TX"

// ReferenceGenerator issues unique, time-ordered reference codes. It is safe
// for concurrent use.
type ReferenceGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewReferenceGenerator() *ReferenceGenerator {
	return &ReferenceGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Next returns a code such as TX01HQ3Z8V6J4N2K7M9P0R5S1T3W.
func (g *ReferenceGenerator) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ReferencePrefix + ulid.MustNew(ulid.Timestamp(now), g.entropy).String()
}
