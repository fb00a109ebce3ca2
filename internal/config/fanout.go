package config

import "sync"

// fanout hands each committed config to every subscriber. A subscriber that
// has not drained its channel gets the newest config in place of the oldest.
type fanout struct {
	mu   sync.Mutex
	outs map[chan *Config]struct{}
}

// Subscribe returns a channel that receives every validated config change.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subs.mu.Lock()
	defer m.subs.mu.Unlock()
	if m.subs.outs == nil {
		m.subs.outs = make(map[chan *Config]struct{})
	}
	m.subs.outs[ch] = struct{}{}
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subs.mu.Lock()
	defer m.subs.mu.Unlock()
	if _, ok := m.subs.outs[ch]; ok {
		delete(m.subs.outs, ch)
		close(ch)
	}
}

// send returns how many subscribers lost an older pending config.
func (f *fanout) send(cfg *Config) (overwritten int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.outs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
					overwritten++
				default:
				}
				continue
			}
			break
		}
	}
	return overwritten
}
