package session

import (
	"time"

	"go-meet/internal/protocol"
)

type EntryKind int

const (
	EntryChat   EntryKind = iota // a chat line, user or system
	EntryRoster                  // an onlineUsers snapshot
)

// Entry is one rendered line of the transcript.
type Entry struct {
	Kind   EntryKind
	Chat   protocol.ChatMessage
	Roster []string
	At     time.Time
}

// Replyable reports whether the entry can be the target of a reply.
func (e Entry) Replyable() bool {
	return e.Kind == EntryChat && !e.Chat.IsSystem()
}

// Transcript keeps entries in arrival order behind a fixed-height viewport.
// The viewport follows the latest entry until the reader scrolls away from
// the bottom, and resumes following once they scroll back down.
type Transcript struct {
	entries []Entry
	height  int // 0 shows everything
	top     int
	follow  bool
}

func NewTranscript(height int) *Transcript {
	return &Transcript{height: max(height, 0), follow: true}
}

func (t *Transcript) Append(e Entry) int {
	t.entries = append(t.entries, e)
	if t.follow {
		t.top = t.bottom()
	}
	return len(t.entries) - 1
}

func (t *Transcript) Len() int { return len(t.entries) }

func (t *Transcript) At(i int) (Entry, bool) {
	if i < 0 || i >= len(t.entries) {
		return Entry{}, false
	}
	return t.entries[i], true
}

// ScrollTo moves the first visible line to top, clamped to the transcript.
func (t *Transcript) ScrollTo(top int) {
	t.top = min(max(top, 0), t.bottom())
	t.follow = t.top == t.bottom()
}

// ScrollBy moves the viewport by delta lines; negative scrolls up.
func (t *Transcript) ScrollBy(delta int) { t.ScrollTo(t.top + delta) }

func (t *Transcript) ScrollToLatest() {
	t.top = t.bottom()
	t.follow = true
}

// Following reports whether new entries keep the viewport pinned to the bottom.
func (t *Transcript) Following() bool { return t.follow }

// Visible returns the entries inside the viewport together with the index of
// the first one.
func (t *Transcript) Visible() ([]Entry, int) {
	if t.height == 0 {
		return append([]Entry(nil), t.entries...), 0
	}
	end := min(t.top+t.height, len(t.entries))
	return append([]Entry(nil), t.entries[t.top:end]...), t.top
}

func (t *Transcript) bottom() int {
	if t.height == 0 {
		return 0
	}
	return max(len(t.entries)-t.height, 0)
}
