// Package profile is the process configuration: flags and viper fill
// the basics, CODEFLEET_* environment variables fill the rest.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SSHTarget is one reachable worker machine from configuration.
type SSHTarget struct {
	ID      string
	Host    string
	User    string
	KeyPath string
	Port    int
	OS      string // "windows" switches remote commands to PowerShell
}

// Profile is configuration to start the orchestrator process.
type Profile struct {
	Mode    string
	Addr    string
	Port    int
	Data    string
	Driver  string
	DSN     string
	Version string

	// Chat transport
	BotToken    string
	GroupChatID int64
	OffsetPath  string

	// Executor
	ExecutorEnabled       bool
	ExecutorID            string
	ExecutorMaxConcurrent int
	ExecutorBaseDir       string
	ExecutorChownUser     string
	SessionMode           string
	DefaultEngine         string
	Targets               []SSHTarget

	// Env propagation
	SyncPassphrase string
	SyncFile       string

	// Memory / classifier
	OpenAIAPIKey    string
	ClassifierModel string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsMemoryEnabled reports whether prompt-memory retrieval can run:
// it needs an embeddings key and a postgres store for pgvector.
func (p *Profile) IsMemoryEnabled() bool {
	return p.OpenAIAPIKey != "" && p.Driver == "postgres"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.BotToken = getEnvOrDefault("CODEFLEET_BOT_TOKEN", "")
	if raw := os.Getenv("CODEFLEET_GROUP_CHAT_ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.GroupChatID = id
		}
	}
	p.OffsetPath = getEnvOrDefault("CODEFLEET_OFFSET_PATH", "")

	p.ExecutorEnabled = getEnvOrDefault("CODEFLEET_EXECUTOR_ENABLED", "false") == "true"
	p.ExecutorID = getEnvOrDefault("CODEFLEET_EXECUTOR_ID", hostnameOrDefault("worker"))
	p.ExecutorMaxConcurrent = getEnvOrDefaultInt("CODEFLEET_EXECUTOR_MAX_CONCURRENT", 3)
	p.ExecutorBaseDir = getEnvOrDefault("CODEFLEET_EXECUTOR_BASE_DIR", "~/code")
	p.ExecutorChownUser = getEnvOrDefault("CODEFLEET_EXECUTOR_CHOWN_USER", "")
	p.SessionMode = getEnvOrDefault("CODEFLEET_SESSION_MODE", "stream-json")
	p.DefaultEngine = getEnvOrDefault("CODEFLEET_DEFAULT_ENGINE", "claude")

	p.Targets = targetsFromEnv()

	p.SyncPassphrase = getEnvOrDefault("CODEFLEET_SYNC_PASSPHRASE", "")
	p.SyncFile = getEnvOrDefault("CODEFLEET_SYNC_FILE", "")

	p.OpenAIAPIKey = getEnvOrDefault("CODEFLEET_OPENAI_API_KEY", "")
	p.ClassifierModel = getEnvOrDefault("CODEFLEET_CLASSIFIER_MODEL", "")
}

// targetsFromEnv reads CODEFLEET_TARGETS (comma-separated ids) and the
// per-target CODEFLEET_TARGET_<ID>_{HOST,USER,KEY,PORT,OS} variables.
func targetsFromEnv() []SSHTarget {
	csv := os.Getenv("CODEFLEET_TARGETS")
	if csv == "" {
		return nil
	}
	var targets []SSHTarget
	for _, id := range strings.Split(csv, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		key := func(suffix string) string {
			return "CODEFLEET_TARGET_" + envKey(id) + "_" + suffix
		}
		targets = append(targets, SSHTarget{
			ID:      id,
			Host:    getEnvOrDefault(key("HOST"), ""),
			User:    getEnvOrDefault(key("USER"), ""),
			KeyPath: getEnvOrDefault(key("KEY"), ""),
			Port:    getEnvOrDefaultInt(key("PORT"), 22),
			OS:      getEnvOrDefault(key("OS"), ""),
		})
	}
	return targets
}

// envKey uppercases a target id into an env-var-safe segment.
func envKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func hostnameOrDefault(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("codefleet_%s.db", p.Mode))
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires --dsn")
	}
	if p.OffsetPath == "" {
		p.OffsetPath = filepath.Join(dataDir, "poll-offset")
	}

	if p.BotToken == "" {
		return errors.New("CODEFLEET_BOT_TOKEN is required")
	}
	if p.GroupChatID == 0 {
		return errors.New("CODEFLEET_GROUP_CHAT_ID is required")
	}
	if p.ExecutorEnabled && len(p.Targets) == 0 {
		return errors.New("executor enabled but CODEFLEET_TARGETS is empty")
	}
	if p.ExecutorMaxConcurrent <= 0 {
		p.ExecutorMaxConcurrent = 3
	}
	return nil
}
