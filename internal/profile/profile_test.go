package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	p := &Profile{}
	p.FromEnv()

	assert.False(t, p.ExecutorEnabled)
	assert.Equal(t, 3, p.ExecutorMaxConcurrent)
	assert.Equal(t, "stream-json", p.SessionMode)
	assert.Equal(t, "claude", p.DefaultEngine)
	assert.Empty(t, p.Targets)
}

func TestTargetsFromEnv(t *testing.T) {
	t.Setenv("CODEFLEET_TARGETS", "mini, win-box")
	t.Setenv("CODEFLEET_TARGET_MINI_HOST", "10.0.0.5")
	t.Setenv("CODEFLEET_TARGET_MINI_USER", "dev")
	t.Setenv("CODEFLEET_TARGET_MINI_KEY", "/home/dev/.ssh/id_ed25519")
	t.Setenv("CODEFLEET_TARGET_WIN_BOX_HOST", "10.0.0.9")
	t.Setenv("CODEFLEET_TARGET_WIN_BOX_OS", "windows")
	t.Setenv("CODEFLEET_TARGET_WIN_BOX_PORT", "2222")

	p := &Profile{}
	p.FromEnv()

	require.Len(t, p.Targets, 2)
	assert.Equal(t, SSHTarget{
		ID: "mini", Host: "10.0.0.5", User: "dev",
		KeyPath: "/home/dev/.ssh/id_ed25519", Port: 22,
	}, p.Targets[0])
	assert.Equal(t, "win-box", p.Targets[1].ID)
	assert.Equal(t, "windows", p.Targets[1].OS)
	assert.Equal(t, 2222, p.Targets[1].Port)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir,
		BotToken: "123:abc", GroupChatID: -100}
	require.NoError(t, p.Validate())
	assert.Contains(t, p.DSN, "codefleet_dev.db")
	assert.Contains(t, p.OffsetPath, "poll-offset")

	p = &Profile{Mode: "prod", Driver: "postgres", Data: dir,
		BotToken: "123:abc", GroupChatID: -100}
	assert.Error(t, p.Validate(), "postgres without dsn")

	p = &Profile{Mode: "dev", Driver: "mysql", Data: dir}
	assert.Error(t, p.Validate(), "unsupported driver")

	p = &Profile{Mode: "dev", Driver: "sqlite", Data: dir, GroupChatID: -100}
	assert.Error(t, p.Validate(), "missing bot token")

	p = &Profile{Mode: "dev", Driver: "sqlite", Data: dir,
		BotToken: "123:abc", GroupChatID: -100, ExecutorEnabled: true}
	assert.Error(t, p.Validate(), "executor without targets")
}
