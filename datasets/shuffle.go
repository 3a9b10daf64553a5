package datasets

import "math/rand"

// shuffleBuffer is a fixed window shuffle: once full, each incoming example
// evicts a uniformly chosen resident one. It only mixes examples that are
// close together in the input, not the whole dataset.
type shuffleBuffer struct {
	buf []example
	cap int
	rng *rand.Rand
}

func newShuffleBuffer(capacity int, rng *rand.Rand) *shuffleBuffer {
	return &shuffleBuffer{buf: make([]example, 0, capacity), cap: capacity, rng: rng}
}

// push adds ex. While the buffer is filling nothing comes out.
func (s *shuffleBuffer) push(ex example) (example, bool) {
	if len(s.buf) < s.cap {
		s.buf = append(s.buf, ex)
		return example{}, false
	}
	i := s.rng.Intn(len(s.buf))
	out := s.buf[i]
	s.buf[i] = ex
	return out, true
}

// pop removes a random resident example. Used to drain at the end of a pass.
func (s *shuffleBuffer) pop() (example, bool) {
	if len(s.buf) == 0 {
		return example{}, false
	}
	i := s.rng.Intn(len(s.buf))
	out := s.buf[i]
	last := len(s.buf) - 1
	s.buf[i] = s.buf[last]
	s.buf[last] = example{}
	s.buf = s.buf[:last]
	return out, true
}

func (s *shuffleBuffer) len() int { return len(s.buf) }
