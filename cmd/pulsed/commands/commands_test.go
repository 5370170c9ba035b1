package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/auth"
	"github.com/teranos/pulsed/config"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
)

func newSubmitCmd(t *testing.T, flags ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "submit"}
	addSubmitFlags(cmd)
	require.NoError(t, cmd.ParseFlags(flags))
	return cmd
}

func TestReadPayload(t *testing.T) {
	raw, err := readPayload(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = readPayload("")
	require.NoError(t, err)
	assert.Nil(t, raw)

	path := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0600))
	raw, err = readPayload("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(raw))

	_, err = readPayload("{nope")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestReadJSONL(t *testing.T) {
	payloads, err := readJSONL(strings.NewReader("{\"n\":1}\n\n  {\"n\":2}  \n"))
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"n":2}`, string(payloads[1]))

	_, err = readJSONL(strings.NewReader("{\"n\":1}\nbroken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseDependency(t *testing.T) {
	dep, err := parseDependency("job-1")
	require.NoError(t, err)
	assert.Equal(t, async.Dependency{DependsOn: "job-1", Kind: async.OnSuccess}, dep)

	dep, err = parseDependency("job-2:on-failure")
	require.NoError(t, err)
	assert.Equal(t, async.OnFailure, dep.Kind)

	dep, err = parseDependency("job-3:on_completion")
	require.NoError(t, err)
	assert.Equal(t, async.OnCompletion, dep.Kind)

	_, err = parseDependency("job-4:sometimes")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = parseDependency(":on_success")
	assert.Error(t, err)
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

	when, err := parseWhen("", 0, now)
	require.NoError(t, err)
	assert.Nil(t, when)

	when, err = parseWhen("", 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), *when)

	when, err = parseWhen("2025-03-09T02:30:00+01:00", 0, now)
	require.NoError(t, err)
	assert.True(t, when.Equal(time.Date(2025, 3, 9, 1, 30, 0, 0, time.UTC)))

	_, err = parseWhen("2025-03-09T02:30:00Z", time.Minute, now)
	assert.Error(t, err)
	_, err = parseWhen("tomorrow", 0, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2025-03-08")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), *d)

	d, err = parseDate("")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = parseDate("08/03/2025")
	assert.Error(t, err)
}

func TestSubmitRequestFromFlags(t *testing.T) {
	now := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)
	cmd := newSubmitCmd(t,
		"--payload", `{"day":"2025-03-08"}`,
		"--queue", "reports",
		"--priority", "high",
		"--delay", "1h",
		"--max-retries", "0",
		"--tag", "nightly", "--tag", "finance",
		"--depends-on", "a", "--depends-on", "b:on_completion",
		"--resource-key", "ledger",
	)
	req, template, err := submitRequest(cmd, []string{"reports.build"}, now)
	require.NoError(t, err)
	assert.Empty(t, template)
	assert.Equal(t, "reports.build", req.Handler)
	assert.Equal(t, "reports", req.Queue)
	assert.Equal(t, async.PriorityHigh, req.Priority)
	require.NotNil(t, req.ScheduledAt)
	assert.Equal(t, now.Add(time.Hour), *req.ScheduledAt)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 0, *req.MaxRetries)
	assert.Equal(t, []string{"nightly", "finance"}, req.Tags)
	assert.Len(t, req.DependsOn, 2)
	assert.Equal(t, "ledger", req.ResourceKey)
	assert.Equal(t, "cli", req.CreatedBy)
}

func TestSubmitRequestRecurrence(t *testing.T) {
	req, _, err := submitRequest(newSubmitCmd(t, "--cron", "0 3 * * *", "--timezone", "Europe/Amsterdam"), []string{"cleanup"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, async.KindCron, req.Kind)
	assert.Equal(t, "Europe/Amsterdam", req.Timezone)
	assert.Nil(t, req.MaxRetries, "-1 keeps the default")

	req, _, err = submitRequest(newSubmitCmd(t, "--every", "15m"), []string{"sync"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, async.KindRecurring, req.Kind)
	assert.Equal(t, 15*time.Minute, req.Interval)

	_, _, err = submitRequest(newSubmitCmd(t, "--every", "15m", "--cron", "* * * * *"), []string{"sync"}, time.Now())
	assert.Error(t, err)
}

func TestSubmitRequestTemplateKeepsTemplatePriority(t *testing.T) {
	req, template, err := submitRequest(newSubmitCmd(t, "--template", "nightly"), nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "nightly", template)
	assert.Empty(t, req.Handler)
	assert.Zero(t, req.Priority, "unset so the template's priority applies")

	_, _, err = submitRequest(newSubmitCmd(t), nil, time.Now())
	assert.Error(t, err)
}

func TestSchedulerConfigFromFile(t *testing.T) {
	cfg := &config.Config{
		Pulse: config.PulseConfig{
			Workers:                     8,
			Services:                    []string{"mail"},
			TickIntervalMS:              250,
			HeartbeatTTLSeconds:         20,
			MaterializerHorizonSeconds:  600,
			MaterializerIntervalSeconds: 30,
			BulkChunk:                   100,
			CircuitBreakerThreshold:     5,
		},
		Queues: map[string]config.QueueConfig{
			"mail": {Description: "outbound", MaxConcurrentJobs: 3},
		},
	}
	sc := schedulerConfig(cfg)
	assert.Equal(t, 8, sc.Dispatcher.Workers)
	assert.Equal(t, []string{"mail"}, sc.Dispatcher.Queues)
	assert.Equal(t, 250*time.Millisecond, sc.Dispatcher.TickInterval)
	assert.Equal(t, 20*time.Second, sc.Dispatcher.HeartbeatTTL)
	assert.Equal(t, 10*time.Minute, sc.Materializer.Horizon)
	assert.Equal(t, 100, sc.BulkChunk)
	assert.Equal(t, 5, sc.CircuitBreakerThreshold)

	specs := queueSpecs(cfg)
	require.Len(t, specs, 1)
	assert.Equal(t, async.QueueSpec{Name: "mail", Description: "outbound", MaxConcurrentJobs: 3}, specs[0])
}

func TestNoNotifierWithoutRedis(t *testing.T) {
	n, err := newNotifier(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestWithSchedulerRoundTrip(t *testing.T) {
	config.Reset()
	dsnFlag = filepath.Join(t.TempDir(), "pulsed.db")
	t.Cleanup(func() {
		dsnFlag = ""
		config.Reset()
	})

	var id string
	err := withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		job, err := s.Submit(ctx, async.SubmitRequest{Handler: "reports.build", Payload: json.RawMessage(`{}`)})
		if err != nil {
			return err
		}
		id = job.ID
		return nil
	})
	require.NoError(t, err)

	err = withScheduler(func(ctx context.Context, s *pulse.Scheduler) error {
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, async.JobStatusPending, job.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one …", truncate("line one\nline two", 10))
	assert.Equal(t, "héé…", truncate("hééllo", 4))
}

func TestMintToken(t *testing.T) {
	_, err := mintToken("", "cli", time.Hour, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	secret, err := auth.GenerateSecret()
	require.NoError(t, err)
	token, err := mintToken(secret, "deploy-bot", time.Hour, true)
	require.NoError(t, err)

	tokens, err := auth.NewTokenManager(secret, nil)
	require.NoError(t, err)
	claims, err := tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "deploy-bot", claims.Subject)
	assert.True(t, claims.ReadOnly)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:8420"))
	assert.True(t, isLoopback("localhost:8420"))
	assert.True(t, isLoopback("[::1]:8420"))
	assert.False(t, isLoopback("0.0.0.0:8420"))
	assert.False(t, isLoopback(":8420"))
}

func TestRenderSettings(t *testing.T) {
	settings := map[string]interface{}{
		"pulse":  map[string]interface{}{"workers": 16},
		"server": map[string]interface{}{"addr": "127.0.0.1:8420"},
	}

	out, err := renderSettings(settings, "toml")
	require.NoError(t, err)
	assert.Contains(t, string(out), "[pulse]")
	assert.Contains(t, string(out), "workers = 16")

	out, err = renderSettings(settings, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(out), "server:")
	assert.Contains(t, string(out), "127.0.0.1:8420")

	out, err = renderSettings(settings, "json")
	require.NoError(t, err)
	var back map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &back))
	assert.EqualValues(t, 16, back["pulse"]["workers"])

	_, err = renderSettings(settings, "ini")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
