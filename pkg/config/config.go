// Package config loads the service configuration from a YAML file with
// env-var overrides, and centralizes command-line flag parsing for main.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file, env nor flags provide a value.
const (
	DefaultAddr          = ":8080"
	DefaultDBPath        = "./parley-data"
	DefaultQueueCapacity = 1024
	DefaultReconcileCron = "* * * * *"
)

// Load reads a YAML config file. A missing path returns an empty config
// rather than an error so env/flag-only deployments work.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvOverrides applies PARLEY_* env vars on top of cfg and reports
// whether any override was used.
func LoadEnvOverrides(cfg *Config) bool {
	used := false
	if v := os.Getenv("PARLEY_ADDR"); v != "" {
		host, port := splitHostPort(v)
		cfg.Server.Address = host
		cfg.Server.Port = port
		used = true
	}
	if v := os.Getenv("PARLEY_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
		used = true
	}
	if v := os.Getenv("PARLEY_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
		used = true
	}
	if v := os.Getenv("PARLEY_PG_DSN"); v != "" {
		cfg.Storage.DSN = v
		used = true
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		used = true
	}
	if v := os.Getenv("PARLEY_SIGNING_KEYS"); v != "" {
		cfg.Security.SigningKeys = splitList(v)
		used = true
	}
	if v := os.Getenv("PARLEY_RECONCILE_CRON"); v != "" {
		cfg.Reconcile.Cron = v
		cfg.Reconcile.Enabled = true
		used = true
	}
	return used
}

// ParseCommandFlags parses the standard parleyd flags and reports which
// ones were explicitly set so they can win over file/env values.
func ParseCommandFlags() (addr, dbPath, cfgPath string, setFlags map[string]bool) {
	a := flag.String("addr", DefaultAddr, "listen address")
	d := flag.String("db", DefaultDBPath, "pebble database path")
	c := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *a, *d, *c, setFlags
}

// ResolveConfigPath picks the config file path: explicit flag wins, then
// PARLEY_CONFIG, then ./parley.yaml when present.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet && flagPath != "" {
		return flagPath
	}
	if v := os.Getenv("PARLEY_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("parley.yaml"); err == nil {
		return "parley.yaml"
	}
	return flagPath
}

func splitHostPort(v string) (string, int) {
	idx := strings.LastIndex(v, ":")
	if idx < 0 {
		return v, 0
	}
	port, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		return v, 0
	}
	return v[:idx], port
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
