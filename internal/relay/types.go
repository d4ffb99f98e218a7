package relay

import (
	"context"
	"fmt"
	"strconv"
)

// FeedRef identifies a remote content feed (a channel or chat).
type FeedRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

func (f FeedRef) String() string {
	if f.Name != "" {
		return f.Name
	}
	return strconv.FormatInt(f.ID, 10)
}

// MediaKind discriminates item payload types.
type MediaKind int

const (
	KindText MediaKind = iota
	KindPhoto
	KindVideo
	KindDocument
	KindAnimation
	KindAudio
	KindVoice
)

var kindNames = [...]string{"text", "photo", "video", "document", "animation", "audio", "voice"}

func (k MediaKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Groupable reports whether items of this kind may appear inside a media
// group delivery.
func (k MediaKind) Groupable() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// Item is a single source item addressed by its sequential id. GroupID is
// empty for standalone items; items sharing a non-empty GroupID form one
// media group and must be delivered together.
type Item struct {
	ID      int64
	GroupID string
	Kind    MediaKind
	Text    string // body for text items, caption otherwise
	Ref     string // platform media reference, empty for text
}

// Reference returns the uniform content handle of the item: the media
// reference when present, otherwise the text body.
func (it *Item) Reference() string {
	if it.Ref != "" {
		return it.Ref
	}
	return it.Text
}

// ItemGroup is an ordered run of items sharing a GroupID, or a singleton
// wrapping one standalone item.
type ItemGroup struct {
	Key   string
	Items []*Item

	// Drop marks a group whose every item was rejected by the Processor.
	// It still flows through the pipeline so ordering and checkpoint
	// advancement stay intact, but nothing is delivered.
	Drop bool
}

func (g ItemGroup) Size() int { return len(g.Items) }

func (g ItemGroup) FirstID() int64 {
	if len(g.Items) == 0 {
		return 0
	}
	return g.Items[0].ID
}

func (g ItemGroup) LastID() int64 {
	if len(g.Items) == 0 {
		return 0
	}
	return g.Items[len(g.Items)-1].ID
}

// Payload is one deliverable unit handed to the Sink.
type Payload struct {
	Kind     MediaKind
	Ref      string
	Text     string
	SourceID int64
}

// PreparedBatch is one delivery unit after cap splitting: either a whole
// group (Of == 1) or the Index-th of Of ordered sub-groups of one oversized
// parent group.
type PreparedBatch struct {
	Key      string
	Index    int // 1-based position among the parent's sub-groups
	Of       int // total sub-groups the parent was split into
	Count    int // items covered, including dropped ones
	Payloads []Payload
	FirstID  int64
	LastID   int64
	Drop     bool
}

// Result reports the terminal outcome of one delivery unit. Err is set only
// when the unit was abandoned: either a permanent delivery failure after the
// retry budget, or a fatal error that aborts the whole task.
type Result struct {
	Batch        PreparedBatch
	DeliveredIDs []int64
	Delivered    int
	Failed       int
	Skipped      int
	Err          error
}

// Source reads items from a remote feed. Absent ids are simply missing from
// the returned slice; implementations return an error only for transport
// failures. Fatal errors (revoked credentials, lost access) are wrapped with
// WrapFatal.
type Source interface {
	FetchItems(ctx context.Context, feed FeedRef, ids []int64) ([]*Item, error)
}

// Sink delivers payloads to a target feed. Throttle pushback is surfaced as
// *ThrottledError, unrecoverable conditions as *FatalError.
type Sink interface {
	DeliverItem(ctx context.Context, feed FeedRef, p Payload) (int64, error)
	DeliverGroup(ctx context.Context, feed FeedRef, ps []Payload) ([]int64, error)
}

// Processor transforms an item before delivery. Returning false drops the
// item entirely.
type Processor interface {
	Transform(it *Item) (*Item, bool)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(it *Item) (*Item, bool)

func (f ProcessorFunc) Transform(it *Item) (*Item, bool) { return f(it) }

// PassProcessor forwards every item unchanged.
var PassProcessor Processor = ProcessorFunc(func(it *Item) (*Item, bool) { return it, true })
