package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"collabmesh/pkg/logger"
)

// RelayConfig configures the relay server.
type RelayConfig struct {
	Port              int           `env:"PORT" envDefault:"3000"`
	NodeID            string        `env:"NODE_ID"`
	StorageDir        string        `env:"STORAGE_DIR" envDefault:"./storage"`
	MaxDocumentSize   int           `env:"MAX_DOCUMENT_SIZE" envDefault:"1048576"`
	MaxRooms          int           `env:"MAX_ROOMS" envDefault:"100"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	StoreDebounce     time.Duration `env:"STORE_DEBOUNCE" envDefault:"2s"`
	RateLimit         float64       `env:"RATE_LIMIT" envDefault:"20"`
	RateBurst         int           `env:"RATE_BURST" envDefault:"40"`

	// An empty DB_HOST keeps documents in memory.
	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"collabmesh"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"password"`
	DBName     string `env:"DB_NAME" envDefault:"collabmesh"`

	// An empty REDIS_HOST disables fan-out between relays.
	RedisHost string `env:"REDIS_HOST"`
	RedisPort string `env:"REDIS_PORT" envDefault:"6379"`

	// Without etcd this relay always archives.
	EtcdEndpoints     []string `env:"ETCD_ENDPOINTS" envSeparator:","`
	LeaderElectionTTL int      `env:"LEADER_ELECTION_TTL" envDefault:"15"`
	ArchiveSchedule   string   `env:"ARCHIVE_SCHEDULE" envDefault:"@every 5m"`

	// An empty S3_BUCKET archives under StorageDir.
	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"`
	S3Prefix   string `env:"S3_PREFIX" envDefault:"snapshots"`
	S3KeyID    string `env:"S3_ACCESS_KEY_ID"`
	S3Secret   string `env:"S3_SECRET_ACCESS_KEY"`

	TracingEnabled  bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint string  `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
	TracingSample   float64 `env:"TRACING_SAMPLE_RATE" envDefault:"1"`

	Log logger.Config `envPrefix:"LOG_"`
}

// DSN builds the Postgres connection string.
func (c *RelayConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// RedisAddr is host:port of the fan-out broker.
func (c *RelayConfig) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// ClientConfig configures the command-line participant.
type ClientConfig struct {
	ServerURL         string        `env:"COLLAB_SERVER_URL" envDefault:"ws://localhost:3000/collab"`
	SignalingURLs     []string      `env:"COLLAB_SIGNALING_URLS" envSeparator:","`
	EnableMesh        bool          `env:"COLLAB_ENABLE_MESH" envDefault:"true"`
	Token             string        `env:"COLLAB_TOKEN"`
	Password          string        `env:"COLLAB_PASSWORD"`
	Room              string        `env:"COLLAB_ROOM"`
	UserName          string        `env:"COLLAB_USER_NAME"`
	CachePath         string        `env:"COLLAB_CACHE_PATH"`
	HeartbeatInterval time.Duration `env:"COLLAB_HEARTBEAT_INTERVAL" envDefault:"3s"`
	LeaderTimeout     time.Duration `env:"COLLAB_LEADER_TIMEOUT" envDefault:"8s"`
	FallbackDelay     time.Duration `env:"COLLAB_FALLBACK_DELAY" envDefault:"5s"`
	ICEServers        []string      `env:"COLLAB_ICE_SERVERS" envSeparator:","`

	Log logger.Config `envPrefix:"LOG_"`
}

func LoadRelayConfig() (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "collabmesh-relay"
	}
	return cfg, nil
}

func LoadClientConfig() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "collabmesh-client"
	}
	return cfg, nil
}
