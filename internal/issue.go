package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Invocation is the per-command context handed in by the chat platform.
// It lives for one slash command and is discarded after the reply.
type Invocation struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	Command   string
}

// SourceURL returns the jump link to the point in the channel where the
// command fired.
func (inv Invocation) SourceURL() string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", inv.GuildID, inv.ChannelID, inv.ID)
}

// Message is one channel message. Transcripts are ordered oldest first.
type Message struct {
	AuthorID   string
	AuthorName string
	Content    string
	Timestamp  time.Time
}

// TrackerUser is a user known to the issue tracker, used to ground
// assignee suggestions.
type TrackerUser struct {
	ID          string
	Name        string
	DisplayName string
}

// Priority uses the tracker's scale: 0 none, 1 urgent, 2 high, 3 medium,
// 4 low.
type Priority int

const (
	PriorityNone   Priority = 0
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityMedium Priority = 3
	PriorityLow    Priority = 4
)

// Settable reports whether p is one of the four levels the tracker
// accepts on an issue.
func (p Priority) Settable() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

func (p Priority) Label() string {
	switch p {
	case PriorityUrgent:
		return "Urgent"
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	default:
		return "None"
	}
}

// ParsePriority maps a priority digit or name to the tracker scale.
// Unrecognized input maps to none rather than failing the draft.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "urgent":
		return PriorityUrgent
	case "2", "high":
		return PriorityHigh
	case "3", "medium":
		return PriorityMedium
	case "4", "low":
		return PriorityLow
	default:
		return PriorityNone
	}
}

// UnmarshalJSON accepts the integer scale or a level name. Models drift
// between the two, so both decode; unusable values become none.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if Priority(n).Settable() {
			*p = Priority(n)
		} else {
			*p = PriorityNone
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*p = PriorityNone
		return nil
	}
	*p = ParsePriority(s)
	return nil
}

// IssueDraft is the summarizer's output, consumed exactly once by the
// tracker client. AssigneeID is already resolved to a tracker user id or
// empty.
type IssueDraft struct {
	Title       string
	Description string
	Priority    Priority
	AssigneeID  string
}

// CreateIssueRequest carries a draft to the tracker. Draft fields pass
// through unmodified; TeamKey routes the issue and SourceURL is appended
// by the tracker client as the origin link.
type CreateIssueRequest struct {
	TeamKey     string
	Title       string
	Description string
	Priority    Priority
	AssigneeID  string
	SourceURL   string
}

// FiledIssue is the tracker's record of a created issue, plus the
// resolved assignee display name for the reply. Relayed to the user and
// then discarded.
type FiledIssue struct {
	ID         string
	Identifier string
	URL        string
	Title      string
	Priority   Priority
	Assignee   string
}
