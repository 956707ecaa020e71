package eventsub

// recentIDs remembers the last n message ids. Twitch may deliver a
// notification more than once.
type recentIDs struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	if n < 1 {
		n = 1
	}
	return &recentIDs{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new. Empty ids are always new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
