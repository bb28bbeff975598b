package linear_integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docketbot/docket/internal"
)

type Config struct {
	AccessToken string        `envconfig:"LINEAR_ACCESS_TOKEN" required:"true"`
	URL         string        `default:"https://api.linear.app/graphql"`
	TeamKey     string        `split_words:"true"`
	Timeout     time.Duration `default:"15s"`
}

// Integration talks to Linear's GraphQL API. Teams and their workflow
// states are cached for the process lifetime; everything else is fetched
// per invocation.
type Integration struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	teams []team
}

type team struct {
	ID     string
	Key    string
	Name   string
	States []workflowState
}

type workflowState struct {
	ID   string
	Name string
}

const (
	viewerQuery = `query { viewer { id name } }`

	usersQuery = `query { users { nodes { id name displayName } } }`

	teamsQuery = `query { teams { nodes { id key name states { nodes { id name } } } } }`

	createIssueMutation = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) {
    success
    issue { id identifier url title }
  }
}`
)

// New verifies the access token with a viewer lookup before returning the
// integration.
func New(ctx context.Context, cfg Config) (*Integration, error) {
	l := &Integration{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	var data struct {
		Viewer struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"viewer"`
	}
	if err := l.execute(ctx, viewerQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("verifying Linear credentials: %w", err)
	}

	slog.InfoContext(ctx, "authenticated with Linear", "user", data.Viewer.Name)
	return l, nil
}

// Users lists the workspace's users for assignee matching.
func (l *Integration) Users(ctx context.Context) ([]internal.TrackerUser, error) {
	var data struct {
		Users struct {
			Nodes []struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"nodes"`
		} `json:"users"`
	}
	if err := l.execute(ctx, usersQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	users := make([]internal.TrackerUser, 0, len(data.Users.Nodes))
	for _, n := range data.Users.Nodes {
		users = append(users, internal.TrackerUser{
			ID:          n.ID,
			Name:        n.Name,
			DisplayName: n.DisplayName,
		})
	}
	return users, nil
}

// CreateIssue files the draft under the routed team. Draft fields pass
// through unmodified; the source link is appended below a divider.
func (l *Integration) CreateIssue(ctx context.Context, req internal.CreateIssueRequest) (*internal.FiledIssue, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: issue title is empty", internal.ErrValidation)
	}

	target, err := l.team(ctx, req.TeamKey)
	if err != nil {
		return nil, err
	}

	input := map[string]any{
		"title":       req.Title,
		"description": composeDescription(req),
		"teamId":      target.ID,
	}
	if req.Priority.Settable() {
		input["priority"] = int(req.Priority)
	}
	if req.AssigneeID != "" {
		input["assigneeId"] = req.AssigneeID
	}
	if id := target.todoStateID(); id != "" {
		input["stateId"] = id
	}

	var data struct {
		IssueCreate struct {
			Success bool `json:"success"`
			Issue   struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				URL        string `json:"url"`
				Title      string `json:"title"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := l.execute(ctx, createIssueMutation, map[string]any{"input": input}, &data); err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	if !data.IssueCreate.Success {
		return nil, fmt.Errorf("%w: issueCreate reported failure", internal.ErrValidation)
	}

	return &internal.FiledIssue{
		ID:         data.IssueCreate.Issue.ID,
		Identifier: data.IssueCreate.Issue.Identifier,
		URL:        data.IssueCreate.Issue.URL,
		Title:      data.IssueCreate.Issue.Title,
		Priority:   req.Priority,
	}, nil
}

// team resolves the destination team: explicit key, configured default
// key, else the workspace's first team. The teams result is cached for
// the process lifetime; an empty workspace is re-queried on the next
// invocation.
func (l *Integration) team(ctx context.Context, key string) (*team, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.teams) == 0 {
		teams, err := l.fetchTeams(ctx)
		if err != nil {
			return nil, err
		}
		if len(teams) == 0 {
			return nil, fmt.Errorf("%w: workspace has no teams", internal.ErrUpstream)
		}
		l.teams = teams
	}

	if key == "" {
		key = l.cfg.TeamKey
	}
	if key == "" {
		return &l.teams[0], nil
	}
	for i := range l.teams {
		if strings.EqualFold(l.teams[i].Key, key) {
			return &l.teams[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no team with key %q", internal.ErrValidation, key)
}

func (l *Integration) fetchTeams(ctx context.Context) ([]team, error) {
	var data struct {
		Teams struct {
			Nodes []struct {
				ID     string `json:"id"`
				Key    string `json:"key"`
				Name   string `json:"name"`
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := l.execute(ctx, teamsQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}

	teams := make([]team, 0, len(data.Teams.Nodes))
	for _, n := range data.Teams.Nodes {
		t := team{ID: n.ID, Key: n.Key, Name: n.Name}
		for _, s := range n.States.Nodes {
			t.States = append(t.States, workflowState{ID: s.ID, Name: s.Name})
		}
		teams = append(teams, t)
	}
	return teams, nil
}

// todoStateID returns the team's "Todo" workflow state, or "" so the
// tracker picks its default state.
func (t *team) todoStateID() string {
	for _, s := range t.States {
		if strings.EqualFold(s.Name, "todo") {
			return s.ID
		}
	}
	return ""
}

func composeDescription(req internal.CreateIssueRequest) string {
	if req.SourceURL == "" {
		return req.Description
	}
	return fmt.Sprintf("%s\n\n---\n[View Discord thread](%s)", req.Description, req.SourceURL)
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (l *Integration) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorizationHeader(l.cfg.AccessToken))

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: calling Linear: %w", internal.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading Linear response: %w", internal.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: Linear returned status %d: %s", statusSentinel(resp.StatusCode), resp.StatusCode, payload)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("%w: decoding Linear response: %w", internal.ErrUpstream, err)
	}
	if len(envelope.Errors) > 0 {
		sentinel := internal.ErrUpstream
		messages := make([]string, 0, len(envelope.Errors))
		for _, gqlErr := range envelope.Errors {
			messages = append(messages, gqlErr.Message)
			switch gqlErr.Extensions.Code {
			case "AUTHENTICATION_ERROR":
				sentinel = internal.ErrAuth
			case "RATELIMITED":
				sentinel = internal.ErrRateLimited
			}
		}
		return fmt.Errorf("%w: Linear errors: %s", sentinel, strings.Join(messages, "; "))
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: decoding Linear data: %w", internal.ErrUpstream, err)
		}
	}
	return nil
}

func statusSentinel(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return internal.ErrAuth
	case http.StatusTooManyRequests:
		return internal.ErrRateLimited
	default:
		return internal.ErrUpstream
	}
}

// Developer keys carry the lin_api_ prefix and authenticate as-is; OAuth
// tokens need the Bearer scheme.
func authorizationHeader(token string) string {
	if strings.HasPrefix(token, "lin_api_") {
		return token
	}
	return "Bearer " + token
}
