package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoutes(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeRoutes(t, `
routes:
  - channel_id: "900000000000000002"
    team_key: ENG
  - channel_id: "900000000000000003"
    team_key: OPS
`)

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ENG", table.TeamKey("900000000000000002"))
	assert.Equal(t, "OPS", table.TeamKey("900000000000000003"))
	assert.Equal(t, "", table.TeamKey("900000000000000009"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read routes")
}

func TestLoadBadYAML(t *testing.T) {
	path := writeRoutes(t, "routes: [not : valid : yaml")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse YAML")
}

func TestLoadMissingFields(t *testing.T) {
	path := writeRoutes(t, `
routes:
  - channel_id: "900000000000000002"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")
}

func TestNilTable(t *testing.T) {
	var table *Table
	assert.Equal(t, "", table.TeamKey("900000000000000002"))
}
