package relay

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrAlreadyJoined  = errors.New("subscriber already joined a channel")
)

// Channel identifies one audio stream, usually an output language.
type Channel string

var channelPattern = regexp.MustCompile(`^[a-z]{2,8}(-[a-z0-9]{2,8})?$`)

func (c Channel) String() string { return string(c) }

// ChannelSet is the fixed set of channels known at startup. It is never
// mutated after construction.
type ChannelSet struct {
	ordered []Channel
	index   map[Channel]struct{}
}

func NewChannelSet(ids ...string) (ChannelSet, error) {
	set := ChannelSet{index: make(map[Channel]struct{}, len(ids))}
	if len(ids) == 0 {
		return ChannelSet{}, fmt.Errorf("channel set: %w: no channels configured", ErrInvalidChannel)
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !channelPattern.MatchString(id) {
			return ChannelSet{}, fmt.Errorf("channel set: %w: %q", ErrInvalidChannel, id)
		}
		ch := Channel(id)
		if _, dup := set.index[ch]; dup {
			return ChannelSet{}, fmt.Errorf("channel set: duplicate channel %q", id)
		}
		set.index[ch] = struct{}{}
		set.ordered = append(set.ordered, ch)
	}
	return set, nil
}

// Parse returns the channel named by id if it belongs to the set.
func (s ChannelSet) Parse(id string) (Channel, error) {
	ch := Channel(id)
	if !s.Contains(ch) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	return ch, nil
}

func (s ChannelSet) Contains(ch Channel) bool {
	_, ok := s.index[ch]
	return ok
}

// Channels returns the channels in configuration order.
func (s ChannelSet) Channels() []Channel {
	return slices.Clone(s.ordered)
}

func (s ChannelSet) Len() int { return len(s.ordered) }
