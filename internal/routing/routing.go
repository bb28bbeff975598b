// Package routing maps Discord channels to the Linear team their issues
// file under. Channels without a route use the tracker's default team.
package routing

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Route struct {
	ChannelID string `yaml:"channel_id" validate:"required"`
	TeamKey   string `yaml:"team_key"   validate:"required"`
}

type Table struct {
	Routes []Route `yaml:"routes" validate:"required,dive"`

	byChannel map[string]string
}

// Load reads and validates a routing file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(table); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	table.byChannel = make(map[string]string, len(table.Routes))
	for _, r := range table.Routes {
		table.byChannel[r.ChannelID] = r.TeamKey
	}
	return &table, nil
}

// TeamKey returns the team key routed for the channel, or "" for the
// default team. A nil table routes nothing.
func (t *Table) TeamKey(channelID string) string {
	if t == nil {
		return ""
	}
	return t.byChannel[channelID]
}
