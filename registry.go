package relay

import (
	"fmt"
	"slices"
	"sync"
)

// Registry tracks the subscribers of every channel in a fixed ChannelSet.
//
// Member lists are copy-on-write: Join and Leave build a new slice under the
// write lock, Snapshot hands out the current slice under the read lock. A
// broadcast therefore never holds the lock while writing to the network, and
// a subscriber whose Leave has returned is absent from every later snapshot.
type Registry struct {
	channels ChannelSet

	mu      sync.RWMutex
	members map[Channel][]*Subscriber
	joined  map[*Subscriber]Channel
}

func NewRegistry(channels ChannelSet) *Registry {
	members := make(map[Channel][]*Subscriber, channels.Len())
	for _, ch := range channels.Channels() {
		members[ch] = nil
	}
	return &Registry{
		channels: channels,
		members:  members,
		joined:   make(map[*Subscriber]Channel),
	}
}

func (r *Registry) Channels() ChannelSet { return r.channels }

// Join adds s to ch. Joining the same channel twice is a no-op; joining a
// second channel fails with ErrAlreadyJoined.
func (r *Registry) Join(ch Channel, s *Subscriber) error {
	if !r.channels.Contains(ch) {
		return fmt.Errorf("join: %w: %q", ErrInvalidChannel, ch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.joined[s]; ok {
		if cur == ch {
			return nil
		}
		return fmt.Errorf("join %q: %w: %q", ch, ErrAlreadyJoined, cur)
	}

	old := r.members[ch]
	next := make([]*Subscriber, len(old), len(old)+1)
	copy(next, old)
	r.members[ch] = append(next, s)
	r.joined[s] = ch
	return nil
}

// Leave removes s from ch and reports whether it was a member.
func (r *Registry) Leave(ch Channel, s *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.joined[s]; !ok || cur != ch {
		return false
	}

	old := r.members[ch]
	i := slices.Index(old, s)
	if i < 0 {
		return false
	}
	next := make([]*Subscriber, 0, len(old)-1)
	next = append(next, old[:i]...)
	next = append(next, old[i+1:]...)
	r.members[ch] = next
	delete(r.joined, s)
	return true
}

// Snapshot returns the members of ch at this instant. The returned slice
// must not be modified.
func (r *Registry) Snapshot(ch Channel) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[ch]
}

// Counts returns the number of subscribers per channel.
func (r *Registry) Counts() map[Channel]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Channel]int, len(r.members))
	for ch, subs := range r.members {
		counts[ch] = len(subs)
	}
	return counts
}
