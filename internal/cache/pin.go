package cache

// Pin 对 study 计数加一；同一 study 可被多次标记。
func (s *fileStore) Pin(id Identifier) func() {
	key := id.Study
	s.pinMu.Lock()
	s.pins[key]++
	s.pinMu.Unlock()

	released := false
	return func() {
		s.pinMu.Lock()
		defer s.pinMu.Unlock()
		if released {
			return
		}
		released = true
		s.pins[key]--
		if s.pins[key] <= 0 {
			delete(s.pins, key)
		}
	}
}

func (s *fileStore) Pinned(study string) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[study] > 0
}
