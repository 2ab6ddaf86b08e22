package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultLogPath = "kvs.log"
	DefaultAddr    = ":8000"
)

// Config is resolved in order: defaults, .env file, process environment,
// command-line flags. Later sources override earlier ones.
type Config struct {
	LogPath   string
	Addr      string
	NatsURL   string
	ServerURL string
	LogDir    string
	Verbose   bool
	// if set, backups go to this directory instead of S3
	BackupDir string

	S3 S3Config
}

// S3Config describes the bucket where backups of the log go
type S3Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	Region   string
}

// Valid returns an error if required S3 settings are missing
func (c *S3Config) Valid() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "KVLOG_S3_ENDPOINT")
	}
	if c.Access == "" {
		missing = append(missing, "KVLOG_S3_ACCESS")
	}
	if c.Secret == "" {
		missing = append(missing, "KVLOG_S3_SECRET")
	}
	if c.Bucket == "" {
		missing = append(missing, "KVLOG_S3_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("backup needs %s to be set", strings.Join(missing, ", "))
	}
	return nil
}

func Default() *Config {
	return &Config{
		LogPath: DefaultLogPath,
		Addr:    DefaultAddr,
	}
}

func normalizeNewlines(d []byte) []byte {
	d = bytes.ReplaceAll(d, []byte{13, 10}, []byte{10})
	return bytes.ReplaceAll(d, []byte{13}, []byte{10})
}

// ParseEnv parses .env format: KEY=value lines, # comments and empty
// lines are skipped. Values may be wrapped in quotes.
func ParseEnv(d []byte) (map[string]string, error) {
	lines := strings.Split(string(normalizeNewlines(d)), "\n")
	m := map[string]string{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid line %d '%s' in .env", i+1, line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			if (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
				val = val[1 : len(val)-1]
			}
		}
		m[key] = val
	}
	return m, nil
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

// Apply sets fields from vars, which has KVLOG_* keys. Unknown keys are ignored.
func (c *Config) Apply(vars map[string]string) {
	set := func(name string, dst *string) {
		if v, ok := vars[name]; ok && v != "" {
			*dst = v
		}
	}
	set("KVLOG_LOG_PATH", &c.LogPath)
	set("KVLOG_ADDR", &c.Addr)
	set("KVLOG_NATS_URL", &c.NatsURL)
	set("KVLOG_SERVER_URL", &c.ServerURL)
	set("KVLOG_LOG_DIR", &c.LogDir)
	set("KVLOG_BACKUP_DIR", &c.BackupDir)
	set("KVLOG_S3_ENDPOINT", &c.S3.Endpoint)
	set("KVLOG_S3_ACCESS", &c.S3.Access)
	set("KVLOG_S3_SECRET", &c.S3.Secret)
	set("KVLOG_S3_BUCKET", &c.S3.Bucket)
	set("KVLOG_S3_REGION", &c.S3.Region)
	if v, ok := vars["KVLOG_VERBOSE"]; ok {
		c.Verbose = parseBool(v)
	}
}

func environ() map[string]string {
	m := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "KVLOG_") {
			m[k] = v
		}
	}
	return m
}

// Load returns config from defaults, envPath (if it exists) and
// process environment. envPath can be empty.
func Load(envPath string) (*Config, error) {
	c := Default()
	if envPath != "" {
		d, err := os.ReadFile(envPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			vars, err := ParseEnv(d)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", envPath, err)
			}
			c.Apply(vars)
		}
	}
	c.Apply(environ())
	return c, nil
}

// RegisterFlags adds flags that override c to fs. Values are applied
// by fs.Parse().
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogPath, "log", c.LogPath, "path of the key-value log file")
	fs.StringVar(&c.Addr, "addr", c.Addr, "address of the http server")
	fs.StringVar(&c.NatsURL, "nats", c.NatsURL, "NATS server url, empty disables notifications")
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "url of kvlog-server, if set commands go through the server")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for application logs")
	fs.StringVar(&c.BackupDir, "backup-dir", c.BackupDir, "directory for backups, if not set backups go to S3")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "verbose logging")
}
