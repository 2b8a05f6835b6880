package platform

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"provbus/internal/mq"
	"provbus/internal/udm"
)

// Credentials is one HTTP Basic or NATS user/password pair.
type Credentials struct {
	User     string
	Password string
}

// Config contains everything the process needs; all durable state lives in
// the queue streams and the KV bucket, never on local disk.
type Config struct {
	// NATS connection shared settings. Each component connects with its own
	// credentials.
	NatsURL           string
	NatsMaxReconnects int
	AckWait           time.Duration

	DispatcherCreds Credentials
	EventsCreds     Credentials
	PrefillCreds    Credentials
	APICreds        Credentials

	// Embedded runs an in-process NATS server instead of dialing NatsURL.
	Embedded    bool
	NatsCfg     *EmbeddedServerConfig
	KVBucket    string
	HTTPSrvCfg  *HTTPServerConfig
	LogLevel    string
	AdminCreds  Credentials
	IngressAuth Credentials

	// RescanInterval bounds dispatcher route-table divergence after a missed
	// watch event.
	RescanInterval time.Duration

	UDM udm.Config
}

// MQConfig assembles the queue adapter config for one component.
func (c *Config) MQConfig(name string, creds Credentials) mq.Config {
	return mq.Config{
		URL:           c.NatsURL,
		User:          creds.User,
		Password:      creds.Password,
		MaxReconnects: c.NatsMaxReconnects,
		Name:          name,
		AckWait:       c.AckWait,
	}
}

// LoadConfig reads configuration from the environment, with an optional
// .env file merged in first.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		NatsURL:           getenv("PROVBUS_NATS_URL", "nats://localhost:4222"),
		NatsMaxReconnects: getenvInt("PROVBUS_NATS_MAX_RECONNECTS", 5),
		AckWait:           getenvDuration("PROVBUS_NATS_ACK_WAIT", 30*time.Second),

		DispatcherCreds: getenvCreds("PROVBUS_NATS_DISPATCHER"),
		EventsCreds:     getenvCreds("PROVBUS_NATS_EVENTS"),
		PrefillCreds:    getenvCreds("PROVBUS_NATS_PREFILL"),
		APICreds:        getenvCreds("PROVBUS_NATS_API"),

		Embedded: getenvBool("PROVBUS_NATS_EMBEDDED", false),
		NatsCfg: &EmbeddedServerConfig{
			JetStream: true,
			StoreDir:  getenv("PROVBUS_NATS_STORE_DIR", "./store/js"),
		},
		KVBucket: getenv("PROVBUS_KV_BUCKET", "subscriptions"),
		HTTPSrvCfg: &HTTPServerConfig{
			Addr:      getenv("PROVBUS_HTTP_ADDR", ":7777"),
			EnableTLS: getenvBool("PROVBUS_TLS_ENABLE", false),
			CertFile:  getenv("PROVBUS_TLS_CERT", ""),
			KeyFile:   getenv("PROVBUS_TLS_KEY", ""),
		},
		LogLevel:    getenv("PROVBUS_LOG_LEVEL", "info"),
		AdminCreds:  getenvCreds("PROVBUS_ADMIN"),
		IngressAuth: getenvCreds("PROVBUS_EVENTS"),

		RescanInterval: getenvDuration("PROVBUS_RESCAN_INTERVAL", 5*time.Minute),

		UDM: udm.Config{
			URL:      getenv("PROVBUS_UDM_URL", "http://localhost:9979/udm"),
			User:     getenv("PROVBUS_UDM_USER", ""),
			Password: getenv("PROVBUS_UDM_PASSWORD", ""),
			PageSize: getenvInt("PROVBUS_UDM_PAGE_SIZE", 100),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvCreds(prefix string) Credentials {
	return Credentials{
		User:     os.Getenv(prefix + "_USER"),
		Password: os.Getenv(prefix + "_PASSWORD"),
	}
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
