package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  // comments are fine: the file is JSON5
  avatars: [
    {
      id: "mika",
      generator: "main",
      daemons: [
        { enabled: true, trigger: { kind: "on-startup" }, action: { generator: "main", template: "hello" } },
        { id: "tick", enabled: true, trigger: { kind: "one-shot-minutes", condition: { min: 0.5 } }, action: { generator: "main" } },
      ],
      tools: { system: { enabled: true, tools: { set_timer: "ask" } } },
    },
  ],
  generators: { main: { kind: "openai", model: "gpt-4o-mini" } },
  dispatch: { maxGen: 3 },
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_ParsesJSON5AndNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	a, ok := cfg.Avatar("mika")
	require.True(t, ok)
	assert.Equal(t, "mika", a.Name)
	require.Len(t, a.Daemons, 2)
	assert.Equal(t, "mika:0", a.Daemons[0].ID)
	assert.Equal(t, "tick", a.Daemons[1].ID)
	assert.Equal(t, AllowAsk, a.Tools["system"].Tools["set_timer"])
	assert.Equal(t, 3, cfg.Dispatch.MaxGen)
	assert.Equal(t, 32, cfg.Dispatch.QueueSize, "defaults survive partial sections")
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Dispatch.MaxGen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("AVATAR_SHELL_MAIN_API_KEY", "sk-test")
	t.Setenv("AVATAR_SHELL_POSTGRES_DSN", "postgres://x")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	g, ok := cfg.Generator("main")
	require.True(t, ok)
	assert.Equal(t, "sk-test", g.APIKey)
	assert.Equal(t, "postgres://x", cfg.Database.PostgresDSN)
}

func TestLoad_RejectsDuplicateAvatar(t *testing.T) {
	_, err := Load(writeConfig(t, `{avatars: [{id: "a"}, {id: "a"}]}`))
	require.Error(t, err)
}

func TestDaemonValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     DaemonDefinition
		wantErr error
	}{
		{"startup", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerStartup}}, nil},
		{"unknown", DaemonDefinition{Trigger: DaemonTrigger{Kind: "if-moon-full"}}, ErrUnknownTrigger},
		{"counter without threshold", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerSummaryCounter}}, ErrInvalidCondition},
		{"daily hh:mm", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerDailyTime, Condition: TriggerCondition{Time: "07:30"}}}, nil},
		{"daily cron", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerDailyTime, Condition: TriggerCondition{Time: "0 9 * * 1-5"}}}, nil},
		{"daily bad", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerDailyTime, Condition: TriggerCondition{Time: "25:00"}}}, ErrInvalidCondition},
		{"datetime bad", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerDateTime, Condition: TriggerCondition{DateTime: "tomorrow"}}}, ErrInvalidCondition},
		{"repeat zero", DaemonDefinition{Trigger: DaemonTrigger{Kind: TriggerOneShotMinutes, Condition: TriggerCondition{IsRepeatMin: true}}}, ErrInvalidCondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDailyExpr(t *testing.T) {
	expr, err := DailyExpr("7:05")
	require.NoError(t, err)
	assert.Equal(t, "5 7 * * *", expr)
}
