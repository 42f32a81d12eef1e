package internal

import "time"

type Config struct {
	Host              string        `env:"HOST,default=0.0.0.0"`
	ChatPort          int           `env:"CHAT_PORT,default=9090"`
	RelayPort         int           `env:"RELAY_PORT,default=10000"`
	ProxyPort         int           `env:"PROXY_PORT,default=10001"`
	DatabaseFilepath  string        `env:"DATABASE_FILEPATH,default=storage/chat_history.db"`
	AudioDir          string        `env:"AUDIO_DIR,default=storage/audio"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	MaxFrameSize      int           `env:"MAX_FRAME_SIZE,default=10485760"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=30s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`
}
