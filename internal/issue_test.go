package internal

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationSourceURL(t *testing.T) {
	inv := Invocation{
		ID:        "1100000000000000001",
		GuildID:   "900000000000000001",
		ChannelID: "900000000000000002",
	}

	assert.Equal(t,
		"https://discord.com/channels/900000000000000001/900000000000000002/1100000000000000001",
		inv.SourceURL())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{in: "1", want: PriorityUrgent},
		{in: "2", want: PriorityHigh},
		{in: "3", want: PriorityMedium},
		{in: "4", want: PriorityLow},
		{in: "urgent", want: PriorityUrgent},
		{in: "High", want: PriorityHigh},
		{in: " medium ", want: PriorityMedium},
		{in: "LOW", want: PriorityLow},
		{in: "0", want: PriorityNone},
		{in: "5", want: PriorityNone},
		{in: "someday", want: PriorityNone},
		{in: "", want: PriorityNone},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePriority(tt.in))
		})
	}
}

func TestPriorityUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Priority
	}{
		{name: "integer scale", in: `2`, want: PriorityHigh},
		{name: "level name", in: `"urgent"`, want: PriorityUrgent},
		{name: "zero means none", in: `0`, want: PriorityNone},
		{name: "out of range", in: `9`, want: PriorityNone},
		{name: "negative", in: `-1`, want: PriorityNone},
		{name: "unknown name", in: `"whenever"`, want: PriorityNone},
		{name: "wrong type", in: `{"level": 2}`, want: PriorityNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Priority
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestPriorityLabel(t *testing.T) {
	assert.Equal(t, "None", PriorityNone.Label())
	assert.Equal(t, "Urgent", PriorityUrgent.Label())
	assert.Equal(t, "High", PriorityHigh.Label())
	assert.Equal(t, "Medium", PriorityMedium.Label())
	assert.Equal(t, "Low", PriorityLow.Label())
	assert.Equal(t, "None", Priority(42).Label())
}

func TestPrioritySettable(t *testing.T) {
	assert.False(t, PriorityNone.Settable())
	assert.True(t, PriorityUrgent.Settable())
	assert.True(t, PriorityLow.Settable())
	assert.False(t, Priority(5).Settable())
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: ErrPlatformUnavailable, want: "platform_unavailable"},
		{err: ErrPermissionDenied, want: "permission_denied"},
		{err: ErrEmptyHistory, want: "empty_history"},
		{err: ErrMalformedResponse, want: "malformed_response"},
		{err: ErrRateLimited, want: "rate_limited"},
		{err: ErrAuth, want: "auth"},
		{err: ErrValidation, want: "validation"},
		{err: ErrUpstream, want: "upstream"},
		{err: assert.AnError, want: "internal"},
		{err: fmt.Errorf("fetching channel history: %w", ErrPermissionDenied), want: "permission_denied"},
		{err: fmt.Errorf("drafting issue: %w: HTTP 429", ErrRateLimited), want: "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.err))
		})
	}
}

func TestUserMessage(t *testing.T) {
	// Wrapped errors must map to the same reply as the bare sentinel.
	assert.Equal(t,
		"No recent messages found to create an issue from.",
		UserMessage(fmt.Errorf("fetching channel history: %w", ErrEmptyHistory)))
	assert.Equal(t,
		"I don't have permission to read messages in this channel.",
		UserMessage(fmt.Errorf("fetching channel history: %w: HTTP 403", ErrPermissionDenied)))
	assert.Equal(t,
		"Something went wrong while creating the issue.",
		UserMessage(assert.AnError))
}
