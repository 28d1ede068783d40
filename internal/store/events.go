package store

// Subscribe returns a channel that receives a CommitEvent for every version
// committed after the call. Delivery is best effort: a subscriber that falls
// behind loses events and reconciles through CommittedVersions. Replication
// treats the bus as a hint and the table as the source of truth.
func (s *Store) Subscribe(buffer int) <-chan CommitEvent {
	ch := make(chan CommitEvent, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) publish(ev CommitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("Commit event dropped for slow subscriber (secret %s v%d)", ev.Name, ev.Version)
		}
	}
}

// Close closes all subscriber channels. Call once, after all writers stop.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
