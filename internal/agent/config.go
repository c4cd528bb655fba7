package agent

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds agent configuration parsed from environment variables.
type Config struct {
	ServerURL         string        `env:"PODSCRIBE_SERVER_URL" envDefault:"http://localhost:8080"`
	NodeName          string        `env:"PODSCRIBE_NODE_NAME"`
	NodeURL           string        `env:"PODSCRIBE_NODE_URL" envDefault:""`
	StateFile         string        `env:"PODSCRIBE_STATE_FILE" envDefault:"agent-state.yaml"`
	TempDir           string        `env:"PODSCRIBE_TEMP_DIR" envDefault:""`
	PollInterval      time.Duration `env:"PODSCRIBE_POLL_INTERVAL" envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"PODSCRIBE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PrefetchEnabled   bool          `env:"PODSCRIBE_PREFETCH" envDefault:"true"`
	HTTPTimeout       time.Duration `env:"PODSCRIBE_HTTP_TIMEOUT" envDefault:"30s"`
	UploadTimeout     time.Duration `env:"PODSCRIBE_UPLOAD_TIMEOUT" envDefault:"60s"`
	WhisperBin        string        `env:"PODSCRIBE_WHISPER_BIN" envDefault:"whisper-cli"`
	WhisperModel      string        `env:"PODSCRIBE_WHISPER_MODEL" envDefault:"base.en"`
}

// LoadConfig parses environment variables into a Config.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=agent.config: %w", err)
	}
	return cfg, nil
}
