// Package config owns the node's persisted settings: network ports,
// quantum, storage paths, and the performer nickname. Settings live as JSON
// in the per-user config directory and are rewritten atomically.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harmonia-project/harmonia/internal/util"
)

type Config struct {
	Link   Link   `json:"link"`
	Groups Groups `json:"groups"`
	Server Server `json:"server"`
	Paths  Paths  `json:"paths"`
	Lua    Lua    `json:"lua"`
}

type Link struct {
	Disable bool `json:"disable"`
	Port    int  `json:"port"`
}

type Groups struct {
	Disable bool    `json:"disable"`
	Port    int     `json:"port"`
	Quantum float64 `json:"quantum"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`
}

// Paths are relative to the config directory unless absolute.
type Paths struct {
	StateFile string `json:"state_file"`
	StoreDir  string `json:"store_dir"`
	WatchDir  string `json:"watch_dir"`
	NickFile  string `json:"nick_file"`
}

type Lua struct {
	Enabled bool   `json:"enabled"`
	Script  string `json:"script"`
}

func Default() Config {
	return Config{
		Link: Link{
			Disable: false,
			Port:    20808,
		},
		Groups: Groups{
			Disable: false,
			Port:    20810,
			Quantum: 4,
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:20812",
		},
		Paths: Paths{
			StateFile: "blocks.state",
			StoreDir:  "store",
			WatchDir:  "",
			NickFile:  "nick.txt",
		},
		Lua: Lua{
			Enabled: false,
			Script:  "",
		},
	}
}

func (c *Config) Validate() error {
	if c.Link.Port < 1 || c.Link.Port > 65535 {
		return errors.New("link.port must be 1..65535")
	}
	if c.Groups.Port < 1 || c.Groups.Port > 65535 {
		return errors.New("groups.port must be 1..65535")
	}
	if c.Groups.Port == c.Link.Port {
		return errors.New("groups.port and link.port must differ")
	}
	if c.Groups.Quantum <= 0 {
		return errors.New("groups.quantum must be > 0")
	}
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if strings.TrimSpace(c.Paths.StateFile) == "" {
		return errors.New("paths.state_file is required")
	}
	if strings.TrimSpace(c.Paths.StoreDir) == "" {
		return errors.New("paths.store_dir is required")
	}
	if strings.TrimSpace(c.Paths.NickFile) == "" {
		return errors.New("paths.nick_file is required")
	}
	if c.Lua.Enabled && strings.TrimSpace(c.Lua.Script) == "" {
		return errors.New("lua.script is required when lua is enabled")
	}
	return nil
}

// Dir is the per-user config directory for this application.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "harmonia"), nil
}

// DefaultPath is the config file location inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// LoadNick reads the persisted nickname, falling back to the host name.
func LoadNick(path string) string {
	if b, err := os.ReadFile(path); err == nil {
		if nick, err := util.ValidateNick(string(b)); err == nil {
			return nick
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}

// SaveNick validates and persists the nickname atomically.
func SaveNick(path, nick string) error {
	nick, err := util.ValidateNick(nick)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, []byte(nick+"\n"), 0o644)
}
