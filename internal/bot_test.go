package internal_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/docketbot/docket/internal"
	"github.com/docketbot/docket/internal/mocks"
)

func testInvocation() internal.Invocation {
	return internal.Invocation{
		ID:        "1100000000000000001",
		GuildID:   "900000000000000001",
		ChannelID: "900000000000000002",
		UserID:    "900000000000000003",
		Command:   "autoissue",
	}
}

func loginOutageTranscript(n int) []internal.Message {
	authors := []string{"maya", "jordan", "sam"}
	base := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	messages := make([]internal.Message, 0, n)
	for i := 0; i < n; i++ {
		messages = append(messages, internal.Message{
			AuthorID:   fmt.Sprintf("discord-user-%d", i%3),
			AuthorName: authors[i%3],
			Content:    fmt.Sprintf("login attempt %d still returns a 500", i),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	return messages
}

type botMocks struct {
	history    *mocks.MockHistorySource
	summarizer *mocks.MockSummarizer
	tracker    *mocks.MockTracker
}

func newBotMocks(t *testing.T) botMocks {
	mockCtl := gomock.NewController(t)
	return botMocks{
		history:    mocks.NewMockHistorySource(mockCtl),
		summarizer: mocks.NewMockSummarizer(mockCtl),
		tracker:    mocks.NewMockTracker(mockCtl),
	}
}

func TestAutoIssueFilesIssueFromHistory(t *testing.T) {
	mockCtl := gomock.NewController(t)
	defer mockCtl.Finish()
	ctx := t.Context()

	history := mocks.NewMockHistorySource(mockCtl)
	summarizer := mocks.NewMockSummarizer(mockCtl)
	tracker := mocks.NewMockTracker(mockCtl)

	inv := testInvocation()
	messages := loginOutageTranscript(50)
	users := []internal.TrackerUser{
		{ID: "lin-user-1", Name: "maya", DisplayName: "Maya R"},
		{ID: "lin-user-2", Name: "jordan"},
	}
	draft := &internal.IssueDraft{
		Title:       "Login requests fail with HTTP 500",
		Description: "Retried logins have been failing since the morning deploy.",
		Priority:    internal.PriorityHigh,
		AssigneeID:  "lin-user-1",
	}

	history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(messages, nil).Times(1)
	tracker.EXPECT().Users(ctx).Return(users, nil).Times(1)
	summarizer.EXPECT().DraftIssue(ctx, messages, users).Return(draft, nil).Times(1)

	// The draft must reach the tracker exactly as the summarizer produced
	// it, with only routing and the origin link added around it.
	tracker.EXPECT().CreateIssue(ctx, internal.CreateIssueRequest{
		Title:       "Login requests fail with HTTP 500",
		Description: "Retried logins have been failing since the morning deploy.",
		Priority:    internal.PriorityHigh,
		AssigneeID:  "lin-user-1",
		SourceURL:   inv.SourceURL(),
	}).Return(&internal.FiledIssue{
		ID:         "5e77fa06-8a4f-4a6c-8f1e-000000000000",
		Identifier: "ENG-123",
		URL:        "https://linear.app/acme/issue/ENG-123/login-requests-fail-with-http-500",
		Title:      "Login requests fail with HTTP 500",
		Priority:   internal.PriorityHigh,
	}, nil).Times(1)

	bot := internal.New(history, summarizer, tracker, nil, nil)
	issue, err := bot.HandleAutoIssue(ctx, inv)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, "ENG-123", issue.Identifier)
	assert.Equal(t, "https://linear.app/acme/issue/ENG-123/login-requests-fail-with-http-500", issue.URL)
	assert.Equal(t, "Maya R", issue.Assignee)
}

func TestAutoIssueEmptyHistory(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	// No expectations on the summarizer or tracker: an empty channel must
	// not reach either of them.
	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(nil, nil).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	issue, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrEmptyHistory)
	assert.Nil(t, issue)
}

func TestAutoIssuePermissionDenied(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).
		Return(nil, fmt.Errorf("%w: HTTP 403", internal.ErrPermissionDenied)).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	_, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrPermissionDenied)
}

func TestAutoIssueDraftWithoutTitle(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, nil).Times(1)
	m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), gomock.Any()).
		Return(&internal.IssueDraft{Description: "a description without a title"}, nil).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	_, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrMalformedResponse)
}

func TestAutoIssueSummarizerRateLimited(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, nil).Times(1)
	m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: HTTP 429", internal.ErrRateLimited)).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	_, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrRateLimited)
}

func TestAutoIssueTrackerUsersError(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, fmt.Errorf("%w: HTTP 500", internal.ErrUpstream)).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	_, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrUpstream)
}

func TestAutoIssueCreateFails(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, nil).Times(1)
	m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), gomock.Any()).
		Return(&internal.IssueDraft{Title: "Broken draft"}, nil).Times(1)
	m.tracker.EXPECT().CreateIssue(ctx, gomock.Any()).
		Return(nil, fmt.Errorf("%w: title too long", internal.ErrValidation)).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
	_, err := bot.HandleAutoIssue(ctx, inv)
	require.ErrorIs(t, err, internal.ErrValidation)
}

func TestAutoIssueRoutesTeamByChannel(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	router := mocks.NewMockRouter(gomock.NewController(t))
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, nil).Times(1)
	m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), gomock.Any()).
		Return(&internal.IssueDraft{Title: "Pager flapping"}, nil).Times(1)
	router.EXPECT().TeamKey(inv.ChannelID).Return("OPS").Times(1)
	m.tracker.EXPECT().CreateIssue(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, req internal.CreateIssueRequest) (*internal.FiledIssue, error) {
			assert.Equal(t, "OPS", req.TeamKey)
			return &internal.FiledIssue{Identifier: "OPS-7", URL: "https://linear.app/acme/issue/OPS-7"}, nil
		}).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, router, nil)
	issue, err := bot.HandleAutoIssue(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "https://linear.app/acme/issue/OPS-7", issue.URL)
}

func TestAutoIssueNotifierFailureIsNotFatal(t *testing.T) {
	ctx := t.Context()
	m := newBotMocks(t)
	notifier := mocks.NewMockNotifier(gomock.NewController(t))
	inv := testInvocation()

	m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
	m.tracker.EXPECT().Users(ctx).Return(nil, nil).Times(1)
	m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), gomock.Any()).
		Return(&internal.IssueDraft{Title: "Pager flapping"}, nil).Times(1)
	m.tracker.EXPECT().CreateIssue(ctx, gomock.Any()).
		Return(&internal.FiledIssue{Identifier: "ENG-9", URL: "https://linear.app/acme/issue/ENG-9"}, nil).Times(1)
	notifier.EXPECT().IssueCreated(ctx, inv, gomock.Any()).Return(errors.New("broker connection refused")).Times(1)

	bot := internal.New(m.history, m.summarizer, m.tracker, nil, notifier)
	issue, err := bot.HandleAutoIssue(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "ENG-9", issue.Identifier)
}

func TestAutoIssueAssigneeName(t *testing.T) {
	users := []internal.TrackerUser{
		{ID: "lin-user-1", Name: "maya", DisplayName: "Maya R"},
		{ID: "lin-user-2", Name: "jordan"},
	}

	tests := []struct {
		name       string
		assigneeID string
		want       string
	}{
		{name: "display name preferred", assigneeID: "lin-user-1", want: "Maya R"},
		{name: "falls back to name", assigneeID: "lin-user-2", want: "jordan"},
		{name: "unknown id left blank", assigneeID: "lin-user-9", want: ""},
		{name: "unassigned", assigneeID: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			m := newBotMocks(t)
			inv := testInvocation()

			m.history.EXPECT().RecentMessages(ctx, inv.ChannelID).Return(loginOutageTranscript(3), nil).Times(1)
			m.tracker.EXPECT().Users(ctx).Return(users, nil).Times(1)
			m.summarizer.EXPECT().DraftIssue(ctx, gomock.Any(), users).
				Return(&internal.IssueDraft{Title: "Login failures", AssigneeID: tt.assigneeID}, nil).Times(1)
			m.tracker.EXPECT().CreateIssue(ctx, gomock.Any()).
				Return(&internal.FiledIssue{Identifier: "ENG-1", URL: "https://linear.app/acme/issue/ENG-1"}, nil).Times(1)

			bot := internal.New(m.history, m.summarizer, m.tracker, nil, nil)
			issue, err := bot.HandleAutoIssue(ctx, inv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, issue.Assignee)
		})
	}
}
