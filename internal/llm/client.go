package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/qri-io/jsonschema"

	"github.com/docketbot/docket/internal"
)

// OllamaURL is the local dev endpoint. A model missing there is pulled
// instead of failing startup.
const (
	OllamaURL = "http://localhost:11434/v1/"
	DevModel  = "qwen2.5:7b"
)

type Config struct {
	APIKey  string        `envconfig:"OPENAI_API_KEY"`
	URL     string        `default:"https://api.openai.com/v1/"`
	Model   string        `default:"gpt-4o-mini"`
	Timeout time.Duration `default:"30s"`
}

// Client drafts issues from channel transcripts.
type Client interface {
	DraftIssue(ctx context.Context, messages []internal.Message, users []internal.TrackerUser) (*internal.IssueDraft, error)
}

type client struct {
	client openai.Client
	cfg    Config
}

// New builds the completion client and verifies the configured model
// exists. Against a local ollama endpoint a missing model is pulled.
func New(ctx context.Context, cfg Config) (Client, error) {
	if cfg.URL != OllamaURL && cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required unless running against local ollama")
	}

	openaiClient := openai.NewClient(option.WithBaseURL(cfg.URL), option.WithAPIKey(cfg.APIKey))
	if err := checkAndDownloadModel(ctx, openaiClient, cfg.Model, cfg.URL); err != nil {
		return nil, err
	}

	return &client{client: openaiClient, cfg: cfg}, nil
}

func checkAndDownloadModel(ctx context.Context, client openai.Client, modelName string, baseURL string) error {
	if _, err := client.Models.Get(ctx, modelName); err != nil {
		var aerr *openai.Error
		if errors.As(err, &aerr) && aerr.StatusCode == http.StatusNotFound && baseURL == OllamaURL {
			if err := downloadOllamaModel(ctx, modelName); err != nil {
				return fmt.Errorf("downloading model %s: %w", modelName, err)
			}
		} else {
			return fmt.Errorf("getting model %s: %w", modelName, err)
		}
	}
	return nil
}

func downloadOllamaModel(ctx context.Context, s string) error {
	client := ollama.NewClient(&url.URL{
		Scheme: "http",
		Host:   "localhost:11434",
	}, http.DefaultClient)
	if err := client.Pull(ctx, &ollama.PullRequest{
		Model: s,
	}, func(resp ollama.ProgressResponse) error {
		fmt.Fprintf(os.Stderr, "\r%s: %s [%d/%d]", s, resp.Status, resp.Completed, resp.Total)
		return nil
	}); err != nil {
		return fmt.Errorf("downloading model %s: %w", s, err)
	}

	slog.DebugContext(ctx, "downloaded model", "model", s)
	return nil
}

const draftPrompt = `You are a project manager turning a Discord conversation into an issue for the team's tracker.

Analyze the conversation and respond with a single JSON object with these fields:
- "title": a concise, actionable issue title
- "description": a detailed description of the problem or task, carrying over the relevant context from the conversation
- "priority": an integer from 1 to 4 (1=urgent, 2=high, 3=medium, 4=low), or 0 when the conversation gives no signal
- "assignee": the name of the user the issue should be assigned to, or "unassigned"

RULES:
1. NEVER pick an assignee unless the conversation specifically says who should handle the issue.
2. The assignee must be one of the known users listed below, written exactly as listed; otherwise answer "unassigned".
3. Do not invent details that are not in the conversation.
4. Respond with the JSON object only, no prose around it.

Known users:
%s`

var draftSchema = jsonschema.Must(`{
	"type": "object",
	"required": ["title", "description"],
	"properties": {
		"title": { "type": "string" },
		"description": { "type": "string" },
		"priority": { "type": ["integer", "string"] },
		"assignee": { "type": "string" }
	}
}`)

type draftResponse struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Priority    internal.Priority `json:"priority"`
	Assignee    string            `json:"assignee"`
}

// DraftIssue runs one JSON-mode completion over the transcript and parses
// the result. Single attempt; provider failures surface to the caller.
func (c *client) DraftIssue(ctx context.Context, messages []internal.Message, users []internal.TrackerUser) (*internal.IssueDraft, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf(draftPrompt, userDirectory(users))
	respMsg, err := c.runChatCompletion(ctx, createLLMMessages(prompt, transcript(messages)), true)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "drafted issue", "response", respMsg)

	resp, err := parseDraft(ctx, respMsg)
	if err != nil {
		return nil, err
	}

	return &internal.IssueDraft{
		Title:       resp.Title,
		Description: resp.Description,
		Priority:    resp.Priority,
		AssigneeID:  resolveAssignee(resp.Assignee, users),
	}, nil
}

func (c *client) runChatCompletion(
	ctx context.Context,
	messages []openai.ChatCompletionMessageParamUnion,
	jsonMode bool,
) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: param.NewOpt(0.2),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var aerr *openai.Error
		if errors.As(err, &aerr) && aerr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", internal.ErrRateLimited, err)
		}
		return "", fmt.Errorf("%w: generating response: %w", internal.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion has no choices", internal.ErrMalformedResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

func createLLMMessages(systemContent string, userContent string) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(systemContent),
				},
			},
		},
	}
	if userContent != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: param.NewOpt(userContent),
				},
			},
		})
	}
	return messages
}

// parseDraft validates the JSON-mode response against the draft schema.
// Some local models ignore JSON mode and emit the key: value line layout
// instead, so that is tried before giving up.
func parseDraft(ctx context.Context, raw string) (*draftResponse, error) {
	resp, jsonErr := parseDraftJSON(ctx, raw)
	if jsonErr != nil {
		lineResp, lineErr := parseLineFormat(raw)
		if lineErr != nil {
			return nil, fmt.Errorf("%w: %w", internal.ErrMalformedResponse, jsonErr)
		}
		resp = lineResp
	}

	resp.Title = strings.TrimSpace(resp.Title)
	resp.Description = strings.TrimSpace(resp.Description)
	if resp.Title == "" {
		return nil, fmt.Errorf("%w: response has no title", internal.ErrMalformedResponse)
	}
	return resp, nil
}

func parseDraftJSON(ctx context.Context, raw string) (*draftResponse, error) {
	payload := []byte(strings.TrimSpace(raw))

	keyErrs, err := draftSchema.ValidateBytes(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("validating response: %w", err)
	}
	if len(keyErrs) > 0 {
		return nil, fmt.Errorf("validating response: %v", keyErrs)
	}

	var resp draftResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshalling response: %w", err)
	}
	return &resp, nil
}

func parseLineFormat(raw string) (*draftResponse, error) {
	resp := &draftResponse{}
	section := ""
	found := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		key, value, ok := strings.Cut(trimmed, ":")
		switch {
		case ok && strings.EqualFold(key, "TITLE"):
			resp.Title = strings.TrimSpace(value)
			section = ""
			found = true
		case ok && strings.EqualFold(key, "DESCRIPTION"):
			resp.Description = strings.TrimSpace(value)
			section = "description"
			found = true
		case ok && strings.EqualFold(key, "PRIORITY"):
			resp.Priority = internal.ParsePriority(value)
			section = ""
		case ok && strings.EqualFold(key, "ASSIGNEE"):
			resp.Assignee = strings.TrimSpace(value)
			section = ""
		case section == "description" && trimmed != "":
			resp.Description += "\n" + trimmed
		}
	}
	if !found {
		return nil, errors.New("no TITLE or DESCRIPTION lines in response")
	}
	return resp, nil
}

// resolveAssignee maps the model's hint to a tracker user id. Exact
// matches on name or display name only; anything else stays unassigned.
func resolveAssignee(hint string, users []internal.TrackerUser) string {
	hint = strings.TrimSpace(hint)
	if hint == "" || strings.EqualFold(hint, "unassigned") {
		return ""
	}
	for _, u := range users {
		if u.Name == hint || u.DisplayName == hint {
			return u.ID
		}
	}
	return ""
}

func transcript(messages []internal.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.AuthorName, m.Content)
	}
	return sb.String()
}

func userDirectory(users []internal.TrackerUser) string {
	if len(users) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, u := range users {
		if u.DisplayName != "" && u.DisplayName != u.Name {
			fmt.Fprintf(&sb, "- %s (%s)\n", u.Name, u.DisplayName)
		} else {
			fmt.Fprintf(&sb, "- %s\n", u.Name)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
