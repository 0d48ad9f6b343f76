package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"log/slog"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the frontend server.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	Defaults    PoolDefaults            `yaml:"defaults"`
	HealthCheck HealthCheckConfig       `yaml:"health_check"`
	Session     SessionConfig           `yaml:"session"`
	Branches    map[string]BranchConfig `yaml:"branches"`
}

// SessionConfig holds the per-connection timeout knobs of spec.md §5.
// Values below 1ms round to zero (disabled) at load time, except
// SessionIdleTimeout, which accepts sub-ms values.
type SessionConfig struct {
	// SessionIdleTimeout closes a session that sits outside a
	// transaction without sending a message for this long.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	// SessionIdleTransactionTimeout closes a session that sits inside an
	// open transaction without sending a message for this long.
	SessionIdleTransactionTimeout time.Duration `yaml:"session_idle_transaction_timeout"`
	// QueryExecutionTimeout bounds how long a single Execute may run on
	// the backend before its context is cancelled.
	QueryExecutionTimeout time.Duration `yaml:"query_execution_timeout"`
}

// ListenConfig defines the ports and bind addresses the server listens on.
type ListenConfig struct {
	BinaryPort int    `yaml:"binary_port"` // frontend binary-protocol port
	HTTPPort   int    `yaml:"http_port"`   // EdgeQL-over-HTTP / GraphQL / notebook / health / metrics
	HTTPBind   string `yaml:"http_bind"`
	AdminUI    bool   `yaml:"admin_ui"` // GEL_SERVER_ADMIN_UI
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	APIKey     string `yaml:"api_key"` // bearer token required on admin API routes, empty disables auth
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults defines default pool settings applied when branches don't override.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`

	// HoldFloor is hold_floor_ns: the minimum idle age a connection must
	// reach before it becomes a rebalance-steal candidate.
	HoldFloor time.Duration `yaml:"hold_floor"`
	// ReconnectCost is reconnect_cost_ns: the amortization target for a
	// cross-block transfer.
	ReconnectCost time.Duration `yaml:"reconnect_cost"`
	// RebalanceTick is how often the pool's periodic rebalance plan runs.
	RebalanceTick time.Duration `yaml:"rebalance_tick"`

	// TotalCap is the pool-wide cap across all blocks (Pool.total_cap).
	TotalCap int `yaml:"total_cap"`
}

// BranchConfig holds the backend database configuration for one logical
// branch (earlier terminology: "database" or "tenant").
type BranchConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// HealthCheckConfig configures the periodic backend prober.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// EffectiveMinConnections returns the branch's min connections or the default.
func (b BranchConfig) EffectiveMinConnections(d PoolDefaults) int {
	if b.MinConnections != nil {
		return *b.MinConnections
	}
	return d.MinConnections
}

// EffectiveMaxConnections returns the branch's max connections or the default.
func (b BranchConfig) EffectiveMaxConnections(d PoolDefaults) int {
	if b.MaxConnections != nil {
		return *b.MaxConnections
	}
	return d.MaxConnections
}

// EffectiveIdleTimeout returns the branch's idle timeout or the default.
func (b BranchConfig) EffectiveIdleTimeout(d PoolDefaults) time.Duration {
	if b.IdleTimeout != nil {
		return *b.IdleTimeout
	}
	return d.IdleTimeout
}

// EffectiveMaxLifetime returns the branch's max lifetime or the default.
func (b BranchConfig) EffectiveMaxLifetime(d PoolDefaults) time.Duration {
	if b.MaxLifetime != nil {
		return *b.MaxLifetime
	}
	return d.MaxLifetime
}

// EffectiveAcquireTimeout returns the branch's acquire timeout or the default.
func (b BranchConfig) EffectiveAcquireTimeout(d PoolDefaults) time.Duration {
	if b.AcquireTimeout != nil {
		return *b.AcquireTimeout
	}
	return d.AcquireTimeout
}

// EffectiveDialTimeout returns the branch's dial timeout or the default.
func (b BranchConfig) EffectiveDialTimeout(d PoolDefaults) time.Duration {
	if b.DialTimeout != nil {
		return *b.DialTimeout
	}
	return d.DialTimeout
}

// Redacted returns a copy of the BranchConfig with the password masked.
func (b BranchConfig) Redacted() BranchConfig {
	c := b
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds a single-branch Config from the GEL_* environment
// variables, for deployments that don't ship a branch table
// (spec.md §231's "subset the core must honor"). GEL_DSN, when set,
// takes priority over the discrete GEL_HOST/GEL_PORT/GEL_USER/
// GEL_BRANCH/GEL_SECRET_KEY variables, matching how a DSN overrides
// piecemeal connection settings in every Gel/EdgeDB client. Unknown
// environment variables are ignored. GEL_INSTANCE (a locally
// registered instance name) is not resolved here: doing so requires
// reading the client's local instance credential store, which this
// server has no access to and no use for outside of this bootstrap
// path — deployments that need it should ship a config file instead.
func LoadFromEnv() *Config {
	cfg := &Config{Branches: map[string]BranchConfig{}}
	applyDefaults(cfg)

	branch := os.Getenv("GEL_BRANCH")
	if branch == "" {
		branch = "main"
	}
	host := os.Getenv("GEL_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 5656
	if p := os.Getenv("GEL_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			port = n
		}
	}
	user := os.Getenv("GEL_USER")
	if user == "" {
		user = "edgedb"
	}
	password := os.Getenv("GEL_SECRET_KEY")

	if dsn := os.Getenv("GEL_DSN"); dsn != "" {
		if u, err := url.Parse(dsn); err == nil {
			if h := u.Hostname(); h != "" {
				host = h
			}
			if p := u.Port(); p != "" {
				if n, err := strconv.Atoi(p); err == nil && n > 0 {
					port = n
				}
			}
			if u.User != nil {
				if name := u.User.Username(); name != "" {
					user = name
				}
				if pw, ok := u.User.Password(); ok {
					password = pw
				}
			}
			if db := strings.TrimPrefix(u.Path, "/"); db != "" {
				branch = db
			}
		}
	}

	if v := os.Getenv("GEL_SERVER_ADMIN_UI"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Listen.AdminUI = b
		}
	}

	cfg.Branches[branch] = BranchConfig{
		Host:     host,
		Port:     port,
		DBName:   branch,
		Username: user,
		Password: password,
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.BinaryPort == 0 {
		cfg.Listen.BinaryPort = 5656
	}
	if cfg.Listen.HTTPPort == 0 {
		cfg.Listen.HTTPPort = 8080
	}
	if cfg.Listen.HTTPBind == "" {
		cfg.Listen.HTTPBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Defaults.HoldFloor == 0 {
		cfg.Defaults.HoldFloor = time.Second
	}
	if cfg.Defaults.ReconnectCost == 0 {
		cfg.Defaults.ReconnectCost = 500 * time.Millisecond
	}
	if cfg.Defaults.RebalanceTick == 0 {
		cfg.Defaults.RebalanceTick = 2 * time.Second
	}
	if cfg.Defaults.TotalCap == 0 {
		cfg.Defaults.TotalCap = 100
	}
	if cfg.Session.SessionIdleTransactionTimeout > 0 && cfg.Session.SessionIdleTransactionTimeout < time.Millisecond {
		cfg.Session.SessionIdleTransactionTimeout = 0
	}
	if cfg.Session.QueryExecutionTimeout > 0 && cfg.Session.QueryExecutionTimeout < time.Millisecond {
		cfg.Session.QueryExecutionTimeout = 0
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) > max_connections (%d)",
			cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}

	for name, b := range cfg.Branches {
		if b.Host == "" {
			return fmt.Errorf("branch %q: host is required", name)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("branch %q: invalid port %d", name, b.Port)
		}
		if b.DBName == "" {
			return fmt.Errorf("branch %q: dbname is required", name)
		}
		if b.Username == "" {
			return fmt.Errorf("branch %q: username is required", name)
		}
		if b.MinConnections != nil && b.MaxConnections != nil && *b.MinConnections > *b.MaxConnections {
			return fmt.Errorf("branch %q: min_connections > max_connections", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
