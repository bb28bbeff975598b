// Package events publishes a best-effort feed of filed issues to an AMQP
// topic exchange for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docketbot/docket/internal"
)

const TypeIssueCreated = "issue.created.v1"

type Config struct {
	URL          string
	Exchange     string        `default:"docket.events"`
	DialAttempts int           `split_words:"true" default:"5"`
	DialDelay    time.Duration `split_words:"true" default:"500ms"`
}

// Envelope wraps every published event.
type Envelope struct {
	Meta Meta             `json:"meta"`
	Data IssueCreatedData `json:"data"`
}

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type IssueCreatedData struct {
	IssueID    string `json:"issue_id"`
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Priority   int    `json:"priority"`
	Assignee   string `json:"assignee,omitempty"`
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	UserID     string `json:"user_id"`
}

// Publisher emits issue.created events with publisher confirms and
// persistent delivery. It implements internal.Notifier.
type Publisher struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

const maxDialDelay = 30 * time.Second

var dial = amqp.Dial

// New connects to the broker and declares the topic exchange. The dial
// retries with backoff while the broker is still starting. Callers gate
// construction on cfg.URL being set.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	conn, err := dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling confirms: %w", err)
	}

	return &Publisher{conn: conn, exchange: cfg.Exchange, ch: ch}, nil
}

// dialWithRetry backs off exponentially between attempts, capped at
// maxDialDelay. Cancelling ctx aborts the wait.
func dialWithRetry(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	var lastErr error
	for i := 1; i <= cfg.DialAttempts; i++ {
		conn, err := dial(cfg.URL)
		if err == nil {
			if i > 1 {
				slog.InfoContext(ctx, "broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := cfg.DialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		slog.WarnContext(ctx, "broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("dialing broker after %d attempts: %w", cfg.DialAttempts, lastErr)
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}

// IssueCreated publishes one event per filed issue and waits for the
// broker's confirm.
func (p *Publisher) IssueCreated(ctx context.Context, inv internal.Invocation, issue *internal.FiledIssue) error {
	env := NewEnvelope(inv, issue)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("awaiting confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %s", env.Meta.ID)
	}
	return nil
}

// NewEnvelope stamps the event with identity, correlation and time. The
// correlation id follows the invoking interaction so one command can be
// traced across systems.
func NewEnvelope(inv internal.Invocation, issue *internal.FiledIssue) Envelope {
	correlationID := inv.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: correlationID,
			Producer:      "docket",
			Time:          time.Now().UTC(),
			Type:          TypeIssueCreated,
		},
		Data: IssueCreatedData{
			IssueID:    issue.ID,
			Identifier: issue.Identifier,
			URL:        issue.URL,
			Title:      issue.Title,
			Priority:   int(issue.Priority),
			Assignee:   issue.Assignee,
			GuildID:    inv.GuildID,
			ChannelID:  inv.ChannelID,
			UserID:     inv.UserID,
		},
	}
}
