package clusterd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultStore points at a process-local in-memory store.
	DefaultStore = "mem://"
	// DefaultSessionTTL is how long a silent session survives on etcd.
	DefaultSessionTTL = 10 * time.Second
	// DefaultSweepInterval is the periodic reconciliation interval of the
	// controller and the queue sweep of the participant.
	DefaultSweepInterval = 30 * time.Second
	// DefaultMessageTimeout bounds how long a transition message may stay
	// unacknowledged when the cluster config does not say otherwise.
	DefaultMessageTimeout = 5 * time.Minute
	// DefaultWorkers bounds how many partitions a participant transitions at once.
	DefaultWorkers = 4
	// DefaultStoreRetryMaxAttempts describes how many transient store errors are retried.
	DefaultStoreRetryMaxAttempts = 6
	// DefaultStoreRetryBaseDelay configures the base delay between store retries.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the exponential backoff between store retries.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultStoreRetryMultiplier defines the exponential backoff ratio.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultMetricsListen is empty; the scrape endpoint is off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty; pprof is off unless configured.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Config captures the settings shared by every clusterd role.
type Config struct {
	// Store is the coordination store URL: mem://, bolt:///path/to/file.db
	// or etcd://host:2379[,host:2379][/prefix].
	Store string
	// Cluster names the cluster; every path lives below /{Cluster}.
	Cluster string
	// Instance is the name this process uses as controller candidate or
	// participant. Defaults to the host name.
	Instance string

	SessionTTL     time.Duration
	SweepInterval  time.Duration
	MessageTimeout time.Duration
	Workers        int

	StoreRetryMaxAttempts int
	StoreRetryBaseDelay   time.Duration
	StoreRetryMaxDelay    time.Duration
	StoreRetryMultiplier  float64

	MetricsListen        string
	PprofListen          string
	EnableRuntimeMetrics bool
	OTLPEndpoint         string
}

// Validate fills defaults and rejects settings no role can run with.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
	case "bolt":
		if storePath(u) == "" {
			return fmt.Errorf("config: bolt store needs a file path (bolt:///path/to/file.db)")
		}
	case "etcd":
		if u.Host == "" {
			return fmt.Errorf("config: etcd store needs at least one endpoint")
		}
	default:
		return fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
	c.Cluster = strings.TrimSpace(c.Cluster)
	if c.Cluster == "" {
		return fmt.Errorf("config: cluster name required")
	}
	if !namePattern.MatchString(c.Cluster) {
		return fmt.Errorf("config: invalid cluster name %q", c.Cluster)
	}
	c.Instance = strings.TrimSpace(c.Instance)
	if c.Instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("config: instance name required: %w", err)
		}
		c.Instance = host
	}
	if !namePattern.MatchString(c.Instance) {
		return fmt.Errorf("config: invalid instance name %q", c.Instance)
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SessionTTL < time.Second {
		return fmt.Errorf("config: session ttl must be at least 1s, got %s", c.SessionTTL)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.StoreRetryMaxDelay < c.StoreRetryBaseDelay {
		return fmt.Errorf("config: store retry max delay %s is below base delay %s", c.StoreRetryMaxDelay, c.StoreRetryBaseDelay)
	}
	if c.StoreRetryMultiplier <= 0 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require --metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns $CLUSTERD_CONFIG_DIR or $HOME/.clusterd.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("CLUSTERD_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".clusterd"), nil
}
