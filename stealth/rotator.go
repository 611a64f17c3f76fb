package stealth

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// DefaultUserAgents is the built-in fingerprint pool.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; M2102J2SC) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Mobile Safari/537.36",
}

// IsMobile reports whether the user agent describes a phone or tablet.
func IsMobile(ua string) bool {
	return strings.Contains(ua, "Mobile") || strings.Contains(ua, "Android") || strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad")
}

// Rotator hands out client fingerprints from a fixed pool. It is safe for
// concurrent use; every pick is counted in the usage statistics.
type Rotator struct {
	mu    sync.Mutex
	pool  []string
	index int
	usage map[string]int
	rng   *rand.Rand
}

// NewRotator builds a rotator over pool, or over DefaultUserAgents when pool is empty.
func NewRotator(pool []string, rng *rand.Rand) *Rotator {
	if len(pool) == 0 {
		pool = DefaultUserAgents
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xa9e47))
	}
	cp := make([]string, len(pool))
	copy(cp, pool)
	return &Rotator{
		pool:  cp,
		usage: make(map[string]int, len(cp)),
		rng:   rng,
	}
}

// Next cycles through the pool in order and wraps at the end.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ua := r.pool[r.index]
	r.index = (r.index + 1) % len(r.pool)
	r.usage[ua]++
	return ua
}

// Random picks uniformly from the pool.
func (r *Rotator) Random() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(r.pool)
}

// Weighted favours entries that were used less, with weight 1/(uses+1).
func (r *Rotator) Weighted() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	weights := make([]float64, len(r.pool))
	total := 0.0
	for i, ua := range r.pool {
		weights[i] = 1.0 / float64(r.usage[ua]+1)
		total += weights[i]
	}
	target := r.rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			r.usage[r.pool[i]]++
			return r.pool[i]
		}
	}
	last := r.pool[len(r.pool)-1]
	r.usage[last]++
	return last
}

// Desktop picks uniformly among desktop fingerprints.
func (r *Rotator) Desktop() string {
	return r.filtered(false)
}

// Mobile picks uniformly among mobile fingerprints.
func (r *Rotator) Mobile() string {
	return r.filtered(true)
}

func (r *Rotator) filtered(mobile bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var subset []string
	for _, ua := range r.pool {
		if IsMobile(ua) == mobile {
			subset = append(subset, ua)
		}
	}
	if len(subset) == 0 {
		subset = r.pool
	}
	return r.pickLocked(subset)
}

func (r *Rotator) pickLocked(from []string) string {
	ua := from[r.rng.IntN(len(from))]
	r.usage[ua]++
	return ua
}

// Usage returns a copy of the per-fingerprint pick counts.
func (r *Rotator) Usage() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.usage))
	for k, v := range r.usage {
		out[k] = v
	}
	return out
}

// Size returns the pool size.
func (r *Rotator) Size() int {
	return len(r.pool)
}
