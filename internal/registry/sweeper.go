package registry

import "ruleevents/pkg/types"

// sweep sends a keep-alive to every client idle for longer than the idle threshold.
// It runs on the clock.Every timer started by Register.
func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	idle := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if now.Sub(c.lastActivityAt()) > r.idleThreshold {
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range idle {
		if r.push(c, types.KeepAliveFrame) {
			sent++
		}
	}
	if sent > 0 {
		r.observer.Delivered(KindKeepAlive, sent)
	}
	r.log.Trace().Int("idle", len(idle)).Int("sent", sent).Msg("keep-alive sweep")
}
