package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HistorySource fetches recent messages from the invoking channel,
// oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, channelID string) ([]Message, error)
}

// Summarizer turns a transcript into an issue draft, grounding assignee
// suggestions on the tracker's user directory.
type Summarizer interface {
	DraftIssue(ctx context.Context, messages []Message, users []TrackerUser) (*IssueDraft, error)
}

// Tracker is the issue tracker the bot files into.
type Tracker interface {
	Users(ctx context.Context) ([]TrackerUser, error)
	CreateIssue(ctx context.Context, req CreateIssueRequest) (*FiledIssue, error)
}

// Router maps a channel to the tracker team key it files under. An empty
// key selects the default team.
type Router interface {
	TeamKey(channelID string) string
}

// Notifier receives a best-effort event after an issue is filed. Errors
// are logged, never surfaced to the user.
type Notifier interface {
	IssueCreated(ctx context.Context, inv Invocation, issue *FiledIssue) error
}

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docket_invocations_total",
		Help: "Slash command invocations by outcome.",
	}, []string{"status", "category"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docket_stage_duration_seconds",
		Help:    "Time spent in each invocation stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

// Bot turns one slash command invocation into a filed issue. It holds no
// per-invocation state; concurrent invocations only share the clients
// themselves.
type Bot struct {
	history    HistorySource
	summarizer Summarizer
	tracker    Tracker
	router     Router
	notifier   Notifier
}

// New wires the capability clients together. router and notifier may be
// nil; the bot then files to the default team and emits no events.
func New(history HistorySource, summarizer Summarizer, tracker Tracker, router Router, notifier Notifier) *Bot {
	return &Bot{
		history:    history,
		summarizer: summarizer,
		tracker:    tracker,
		router:     router,
		notifier:   notifier,
	}
}

// HandleAutoIssue runs one invocation through the pipeline. Any error is
// terminal for the invocation and already carries the sentinel that
// decides the user-facing reply.
func (b *Bot) HandleAutoIssue(ctx context.Context, inv Invocation) (*FiledIssue, error) {
	issue, err := b.fileIssue(ctx, inv)
	if err != nil {
		invocationsTotal.WithLabelValues("error", Category(err)).Inc()
		return nil, err
	}

	invocationsTotal.WithLabelValues("ok", "none").Inc()
	return issue, nil
}

func (b *Bot) fileIssue(ctx context.Context, inv Invocation) (*FiledIssue, error) {
	fetchStart := time.Now()
	messages, err := b.history.RecentMessages(ctx, inv.ChannelID)
	stageDuration.WithLabelValues("fetch_history").Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetching channel history: %w", err)
	}
	if len(messages) == 0 {
		return nil, ErrEmptyHistory
	}
	slog.InfoContext(ctx, "collected channel history",
		"channel_id", inv.ChannelID,
		"messages", len(messages))

	summarizeStart := time.Now()
	users, err := b.tracker.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tracker users: %w", err)
	}
	draft, err := b.summarizer.DraftIssue(ctx, messages, users)
	stageDuration.WithLabelValues("summarize").Observe(time.Since(summarizeStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("drafting issue: %w", err)
	}
	if draft.Title == "" {
		return nil, fmt.Errorf("%w: draft has no title", ErrMalformedResponse)
	}

	createStart := time.Now()
	issue, err := b.tracker.CreateIssue(ctx, CreateIssueRequest{
		TeamKey:     b.teamKey(inv.ChannelID),
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		AssigneeID:  draft.AssigneeID,
		SourceURL:   inv.SourceURL(),
	})
	stageDuration.WithLabelValues("create_issue").Observe(time.Since(createStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	issue.Assignee = assigneeName(users, draft.AssigneeID)

	if b.notifier != nil {
		if err := b.notifier.IssueCreated(ctx, inv, issue); err != nil {
			slog.WarnContext(ctx, "publishing issue event", "error", err)
		}
	}

	slog.InfoContext(ctx, "filed issue",
		"identifier", issue.Identifier,
		"url", issue.URL,
		"channel_id", inv.ChannelID)
	return issue, nil
}

func (b *Bot) teamKey(channelID string) string {
	if b.router == nil {
		return ""
	}
	return b.router.TeamKey(channelID)
}

func assigneeName(users []TrackerUser, id string) string {
	if id == "" {
		return ""
	}
	for _, u := range users {
		if u.ID == id {
			if u.DisplayName != "" {
				return u.DisplayName
			}
			return u.Name
		}
	}
	return ""
}
