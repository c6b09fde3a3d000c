package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storeBlock = `
[store]
bucket = "org-tag-inventory"
table = "tag-inventory-runs"
role_arn = "arn:aws:iam::111111111111:role/tag-inventory-writer"
`

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[aws]
regions = ["us-east-1", "eu-west-1"]
profile = "spoke"
account_id = "222222222222"

[search]
index = "services"
resource_types = ["ec2:instance", "rds:db"]
max_pages = 50
page_size = 100
timeout = "30s"
max_concurrency = 4

[filter]
exclude_types = ["iam:role"]
include_tags = { env = "prod" }
policy_file = "policy.rego"

[store]
bucket = "org-tag-inventory"
prefix = "inventory"
table = "tag-inventory-runs"
region = "us-east-1"
role_arn = "arn:aws:iam::111111111111:role/tag-inventory-writer"
external_id = "spoke-222"
session_duration = "30m"

[retry]
base_delay = "200ms"
max_delay = "5s"

[schedule]
at = "02:30"
time_zone = "UTC"
flexible_window = "15m"

[checkpoint]
path = "/var/lib/taginventory/state.db"

[otel]
endpoint = "localhost:4317"
insecure = true

[otel.traces]
enabled = true
sample_rate = 0.5

[log]
level = "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.AWS.Regions)
	assert.Equal(t, "spoke", cfg.AWS.Profile)
	assert.Equal(t, "222222222222", cfg.AWS.AccountID)
	assert.Equal(t, IndexServices, cfg.Search.Index)
	assert.Equal(t, []string{"ec2:instance", "rds:db"}, cfg.Search.ResourceTypes)
	assert.Equal(t, 50, cfg.Search.MaxPages)
	assert.Equal(t, int32(100), cfg.Search.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 4, cfg.Search.MaxConcurrency)
	assert.Equal(t, []string{"iam:role"}, cfg.Filter.ExcludeTypes)
	assert.Equal(t, map[string]string{"env": "prod"}, cfg.Filter.IncludeTags)
	assert.Equal(t, "inventory", cfg.Store.Prefix)
	assert.Equal(t, "spoke-222", cfg.Store.ExternalID)
	assert.Equal(t, 30*time.Minute, cfg.Store.SessionDuration)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "02:30", cfg.Schedule.At)
	assert.Equal(t, time.UTC, cfg.Schedule.Location)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.FlexibleWindow)
	assert.Equal(t, "/var/lib/taginventory/state.db", cfg.Checkpoint.Path)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Defaults(t *testing.T) {
	content := `
[aws]
regions = ["us-east-1"]
` + storeBlock
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, IndexTagging, cfg.Search.Index)
	assert.Equal(t, 1000, cfg.Search.MaxPages)
	assert.Equal(t, int32(100), cfg.Search.PageSize)
	assert.Equal(t, 60*time.Second, cfg.Search.Timeout)
	assert.Equal(t, "tag-inventory", cfg.Store.Prefix)
	assert.Equal(t, 15*time.Minute, cfg.Store.SessionDuration)
	assert.Equal(t, 60*time.Second, cfg.Store.Timeout)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "06:00", cfg.Schedule.At)
	assert.Equal(t, "America/New_York", cfg.Schedule.Location.String())
	assert.Equal(t, 60*time.Minute, cfg.Schedule.FlexibleWindow)
	assert.Equal(t, "taginventory", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[aws
regions = "not an array"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
[search]
timeout = "not-a-duration"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.timeout")
}

func TestLoad_InvalidTimeZone(t *testing.T) {
	content := `
[schedule]
time_zone = "Mars/Olympus_Mons"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_Validate_NoRegionsAllowed(t *testing.T) {
	cfg, err := Parse([]byte(storeBlock))
	require.NoError(t, err)

	assert.Empty(t, cfg.AWS.Regions)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_MissingStore(t *testing.T) {
	cfg, err := Parse([]byte(`[aws]` + "\n" + `regions = ["us-east-1"]`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestConfig_Validate_UnknownIndex(t *testing.T) {
	cfg, err := Parse([]byte(storeBlock + "\n[search]\nindex = \"explorer\"\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown index")
}

func TestConfig_Validate_SessionDuration(t *testing.T) {
	cfg, err := Parse([]byte(`
[store]
bucket = "b"
table = "t"
role_arn = "arn:aws:iam::111111111111:role/w"
session_duration = "5m"
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_duration")
}

func TestConfig_Validate_ScheduleAt(t *testing.T) {
	cfg, err := Parse([]byte(storeBlock + "\n[schedule]\nat = \"6am\"\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestConfig_Validate_DuplicateRegion(t *testing.T) {
	cfg, err := Parse([]byte("[aws]\nregions = [\"us-east-1\", \"eu-west-1\", \"us-east-1\"]\n" + storeBlock))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"us-east-1"`)
}

func TestConfig_Validate_StoreTimeout(t *testing.T) {
	cfg, err := Parse([]byte(storeBlock))
	require.NoError(t, err)
	cfg.Store.Timeout = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: timeout")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
