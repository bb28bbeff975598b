package discord_integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/sentry-go"

	"github.com/docketbot/docket/internal"
)

const commandName = "autoissue"

const (
	linearPurple = 0x823FD7
	discordRed   = 0xE74C3C
)

type Config struct {
	Token             string        `envconfig:"DISCORD_TOKEN" required:"true"`
	GuildID           string        `split_words:"true"`
	MessageLimit      int           `split_words:"true" default:"50"`
	InvocationTimeout time.Duration `split_words:"true" default:"2m"`
}

// Handler is the command orchestrator behind the slash command.
type Handler interface {
	HandleAutoIssue(ctx context.Context, inv internal.Invocation) (*internal.FiledIssue, error)
}

// Integration owns the gateway session. It doubles as the orchestrator's
// history source.
type Integration struct {
	cfg     Config
	session *discordgo.Session
	handler Handler

	BotUserID string

	runCtx context.Context
}

// New builds the session and verifies the token with a self lookup. The
// gateway is not opened until Run.
func New(ctx context.Context, cfg Config) (*Integration, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("verifying Discord credentials: %w", err)
	}

	return &Integration{
		cfg:       cfg,
		session:   session,
		BotUserID: self.ID,
	}, nil
}

// Run opens the gateway, upserts the slash command and serves
// interactions until ctx is done. Commands register per guild when
// GuildID is set (instant) and globally otherwise (propagates within an
// hour).
func (d *Integration) Run(ctx context.Context, handler Handler) error {
	d.handler = handler
	d.runCtx = ctx

	d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.InfoContext(ctx, "connected to Discord",
			"user", r.User.Username,
			"guilds", len(r.Guilds))
	})
	d.session.AddHandler(d.onInteraction)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("%w: opening gateway: %w", internal.ErrPlatformUnavailable, err)
	}

	if _, err := d.session.ApplicationCommandCreate(d.BotUserID, d.cfg.GuildID, &discordgo.ApplicationCommand{
		Name:        commandName,
		Description: "Create a Linear issue from recent messages",
	}, discordgo.WithContext(ctx)); err != nil {
		_ = d.session.Close()
		return fmt.Errorf("registering /%s: %w", commandName, err)
	}
	slog.InfoContext(ctx, "registered slash command", "command", "/"+commandName, "guild_id", d.cfg.GuildID)

	<-ctx.Done()
	return d.session.Close()
}

// onInteraction runs on discordgo's per-event goroutine, so invocations
// from different channels proceed concurrently.
func (d *Integration) onInteraction(s *discordgo.Session, event *discordgo.InteractionCreate) {
	if event.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if event.ApplicationCommandData().Name != commandName {
		return
	}

	ctx, cancel := context.WithTimeout(d.runCtx, d.cfg.InvocationTimeout)
	defer cancel()

	// Discord voids the interaction token unless it is acknowledged
	// within 3 seconds; the pipeline runs after this deferral.
	if err := s.InteractionRespond(event.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}, discordgo.WithContext(ctx)); err != nil {
		slog.ErrorContext(ctx, "acknowledging interaction", "error", err)
		return
	}

	inv := internal.Invocation{
		ID:        event.ID,
		GuildID:   event.GuildID,
		ChannelID: event.ChannelID,
		UserID:    interactionUserID(event),
		Command:   commandName,
	}
	d.handleAutoIssue(ctx, event, inv)
}

func (d *Integration) handleAutoIssue(ctx context.Context, event *discordgo.InteractionCreate, inv internal.Invocation) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			slog.ErrorContext(ctx, "autoissue handler panicked", "panic", r)
			d.replyError(ctx, event, errors.New("handler panicked"))
		}
	}()

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("command", inv.Command)
		scope.AddBreadcrumb(&sentry.Breadcrumb{
			Category: "interaction",
			Message:  fmt.Sprintf("channel=%s user=%s", inv.ChannelID, inv.UserID),
			Level:    sentry.LevelInfo,
		}, 100)

		issue, err := d.handler.HandleAutoIssue(ctx, inv)
		if err != nil {
			if internal.Category(err) == "internal" {
				sentry.CaptureException(err)
			}
			slog.ErrorContext(ctx, "autoissue failed",
				"category", internal.Category(err),
				"channel_id", inv.ChannelID,
				"error", err)
			d.replyError(ctx, event, err)
			return
		}
		d.replyIssue(ctx, event, issue)
	})
}

// RecentMessages fetches the channel's most recent messages as an
// oldest-first transcript. One extra message is requested because the
// deferral placeholder can already be in the page; filtering drops it.
func (d *Integration) RecentMessages(ctx context.Context, channelID string) ([]internal.Message, error) {
	raw, err := d.session.ChannelMessages(channelID, d.cfg.MessageLimit+1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyRESTError(err)
	}

	messages := collectMessages(raw, d.cfg.MessageLimit)
	if len(messages) < d.cfg.MessageLimit {
		if starter := d.threadStarter(ctx, channelID); starter != nil {
			messages = append([]internal.Message{*starter}, messages...)
		}
	}
	return messages, nil
}

// collectMessages turns a newest-first history page into an oldest-first
// transcript, dropping bot messages, empty bodies and command echoes, and
// keeping the most recent limit entries.
func collectMessages(raw []*discordgo.Message, limit int) []internal.Message {
	messages := make([]internal.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if m := transcriptMessage(raw[i]); m != nil {
			messages = append(messages, *m)
		}
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}

func transcriptMessage(m *discordgo.Message) *internal.Message {
	if m == nil || m.Author == nil || m.Author.Bot {
		return nil
	}
	content := strings.TrimSpace(m.Content)
	if content == "" || strings.HasPrefix(content, "/") {
		return nil
	}
	return &internal.Message{
		AuthorID:   m.Author.ID,
		AuthorName: authorName(m.Author),
		Content:    content,
		Timestamp:  m.Timestamp,
	}
}

func authorName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// threadStarter fetches the message the thread was started from. Thread
// history never includes it, and short threads lose their context
// without it.
func (d *Integration) threadStarter(ctx context.Context, channelID string) *internal.Message {
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil || !ch.IsThread() {
		return nil
	}
	starter, err := d.session.ChannelMessage(ch.ParentID, ch.ID, discordgo.WithContext(ctx))
	if err != nil {
		slog.DebugContext(ctx, "fetching thread starter", "channel_id", channelID, "error", err)
		return nil
	}
	return transcriptMessage(starter)
}

func (d *Integration) replyIssue(ctx context.Context, event *discordgo.InteractionCreate, issue *internal.FiledIssue) {
	d.followUp(ctx, event, &discordgo.WebhookParams{
		Content: issue.URL,
		Embeds:  []*discordgo.MessageEmbed{issueEmbed(issue)},
	})
}

func (d *Integration) replyError(ctx context.Context, event *discordgo.InteractionCreate, err error) {
	// An empty channel is an answer, not a failure.
	if errors.Is(err, internal.ErrEmptyHistory) {
		d.followUp(ctx, event, &discordgo.WebhookParams{Content: internal.UserMessage(err)})
		return
	}
	d.followUp(ctx, event, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{errorEmbed(err)},
	})
}

func (d *Integration) followUp(ctx context.Context, event *discordgo.InteractionCreate, params *discordgo.WebhookParams) {
	if _, err := d.session.FollowupMessageCreate(event.Interaction, true, params, discordgo.WithContext(ctx)); err != nil {
		slog.ErrorContext(ctx, "posting followup", "channel_id", event.ChannelID, "error", err)
	}
}

func issueEmbed(issue *internal.FiledIssue) *discordgo.MessageEmbed {
	assignee := issue.Assignee
	if assignee == "" {
		assignee = "-/-"
	}
	return &discordgo.MessageEmbed{
		Title: issue.Title,
		URL:   issue.URL,
		Color: linearPurple,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Priority", Value: issue.Priority.Label(), Inline: true},
			{Name: "Assignee", Value: assignee, Inline: true},
		},
	}
}

func errorEmbed(err error) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "❌ Error Creating Issue",
		Description: internal.UserMessage(err),
		Color:       discordRed,
	}
}

func classifyRESTError(err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", internal.ErrPermissionDenied, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", internal.ErrRateLimited, err)
		default:
			return fmt.Errorf("%w: %w", internal.ErrUpstream, err)
		}
	}
	return fmt.Errorf("%w: %w", internal.ErrPlatformUnavailable, err)
}

func interactionUserID(event *discordgo.InteractionCreate) string {
	if event.Member != nil && event.Member.User != nil {
		return event.Member.User.ID
	}
	if event.User != nil {
		return event.User.ID
	}
	return ""
}
