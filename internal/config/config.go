// Package config loads the engine's control variables — the redundancy
// level, lock and syscall-wrapping modes, and the static capacity bounds
// from spec.md §6's table — with the same precedence chain the teacher
// codebase uses for its own configuration: defaults, then a global user
// config, then a project config, then CLI flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config is every control variable spec.md §6 names.
type Config struct {
	DMRRedundancy int `json:"dmr_redundancy"` //nolint:tagliatelle

	MultiThread            bool `json:"multi_thread"`             //nolint:tagliatelle
	TwoPhaseLocking        bool `json:"two_phase_locking"`        //nolint:tagliatelle
	MiniTraversalLocking   bool `json:"mini_traversal_locking"`   //nolint:tagliatelle
	MiniTraversalLocking2  bool `json:"mini_traversal_locking_2"` //nolint:tagliatelle
	WrapSyscalls           bool `json:"wrap_syscalls"`            //nolint:tagliatelle
	CPUIsolation           bool `json:"cpu_isolation"`            //nolint:tagliatelle
	CPUIsolationMigrate    bool `json:"cpu_isolation_migrate"`    //nolint:tagliatelle
	SIGSEGVRecovery        bool `json:"sigsegv_recovery"`         //nolint:tagliatelle
	HeapProtect            bool `json:"heap_protect"`             //nolint:tagliatelle
	WriteBack              bool `json:"write_back"`               //nolint:tagliatelle
	AppendOnly             bool `json:"append_only"`              //nolint:tagliatelle

	MaxConflicts    int `json:"max_conflicts"`     //nolint:tagliatelle
	COWSize         int `json:"cow_size"`          //nolint:tagliatelle
	OBufSize        int `json:"obuf_size"`         //nolint:tagliatelle
	TBinSize        int `json:"tbin_size"`         //nolint:tagliatelle
	TAllocMaxAllocs int `json:"talloc_max_allocs"` //nolint:tagliatelle
	SCMaxCalls      int `json:"sc_max_calls"`      //nolint:tagliatelle
	WTSMaxArg       int `json:"wts_max_arg"`       //nolint:tagliatelle

	ArenaSize int `json:"arena_size"` //nolint:tagliatelle
}

var (
	errConfigInvalid      = errors.New("config: invalid configuration")
	errConfigFileNotFound = errors.New("config: file not found")
	errConfigFileRead     = errors.New("config: could not read file")
	errRedundancyRange    = errors.New("config: dmr_redundancy must be between 2 and 10")
)

// ConfigFileName is the project-local config file name.
const ConfigFileName = ".sei.json"

// Default returns the engine's default control variables: DMR (N=2),
// write-through, no CPU isolation, generously sized static bounds.
func Default() Config {
	return Config{
		DMRRedundancy:   2,
		MaxConflicts:    64,
		COWSize:         256,
		OBufSize:        64,
		TBinSize:        64,
		TAllocMaxAllocs: 256,
		SCMaxCalls:      64,
		WTSMaxArg:       16,
		ArenaSize:       0,
	}
}

// Sources records which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// Load builds a Config with precedence defaults < global < project <
// cliOverride, where the project layer is the explicit configPath when one
// is given (it must exist, and the .sei.json in workDir is then not read)
// and workDir's .sei.json otherwise. Only the cliOverride fields named in
// cliSet are applied.
func Load(workDir, configPath string, cliOverride Config, cliSet map[string]bool, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	cfg = applyCLI(cfg, cliOverride, cliSet)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "sei", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sei", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "sei", "config.json")
	}

	return ""
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var file string

	var mustExist bool

	if configPath != "" {
		file = configPath
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}

		mustExist = true

		if _, err := os.Stat(file); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		file = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(file, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, file, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled configuration
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// merge overlays non-zero fields of overlay onto base. Every field in
// Config is either a bool (ORed in: an overlay can turn a flag on but never
// off, since false is the zero value and "set to false" is
// indistinguishable from "unset" in this scheme — acceptable since every
// control flag here defaults to false) or a positive int (zero means unset).
func merge(base, overlay Config) Config {
	if overlay.DMRRedundancy != 0 {
		base.DMRRedundancy = overlay.DMRRedundancy
	}

	base.MultiThread = base.MultiThread || overlay.MultiThread
	base.TwoPhaseLocking = base.TwoPhaseLocking || overlay.TwoPhaseLocking
	base.MiniTraversalLocking = base.MiniTraversalLocking || overlay.MiniTraversalLocking
	base.MiniTraversalLocking2 = base.MiniTraversalLocking2 || overlay.MiniTraversalLocking2
	base.WrapSyscalls = base.WrapSyscalls || overlay.WrapSyscalls
	base.CPUIsolation = base.CPUIsolation || overlay.CPUIsolation
	base.CPUIsolationMigrate = base.CPUIsolationMigrate || overlay.CPUIsolationMigrate
	base.SIGSEGVRecovery = base.SIGSEGVRecovery || overlay.SIGSEGVRecovery
	base.HeapProtect = base.HeapProtect || overlay.HeapProtect
	base.WriteBack = base.WriteBack || overlay.WriteBack
	base.AppendOnly = base.AppendOnly || overlay.AppendOnly

	if overlay.MaxConflicts != 0 {
		base.MaxConflicts = overlay.MaxConflicts
	}

	if overlay.COWSize != 0 {
		base.COWSize = overlay.COWSize
	}

	if overlay.OBufSize != 0 {
		base.OBufSize = overlay.OBufSize
	}

	if overlay.TBinSize != 0 {
		base.TBinSize = overlay.TBinSize
	}

	if overlay.TAllocMaxAllocs != 0 {
		base.TAllocMaxAllocs = overlay.TAllocMaxAllocs
	}

	if overlay.SCMaxCalls != 0 {
		base.SCMaxCalls = overlay.SCMaxCalls
	}

	if overlay.WTSMaxArg != 0 {
		base.WTSMaxArg = overlay.WTSMaxArg
	}

	if overlay.ArenaSize != 0 {
		base.ArenaSize = overlay.ArenaSize
	}

	return base
}

// applyCLI overlays cliOverride's fields named in cliSet (the set of flags
// the user actually passed on the command line) onto cfg.
func applyCLI(cfg, cliOverride Config, cliSet map[string]bool) Config {
	if cliSet["dmr-redundancy"] {
		cfg.DMRRedundancy = cliOverride.DMRRedundancy
	}

	if cliSet["cpu-isolation"] {
		cfg.CPUIsolation = cliOverride.CPUIsolation
	}

	if cliSet["write-back"] {
		cfg.WriteBack = cliOverride.WriteBack
	}

	if cliSet["heap-protect"] {
		cfg.HeapProtect = cliOverride.HeapProtect
	}

	return cfg
}

func validate(cfg Config) error {
	if cfg.DMRRedundancy < 2 || cfg.DMRRedundancy > 10 {
		return fmt.Errorf("%w: got %d", errRedundancyRange, cfg.DMRRedundancy)
	}

	return nil
}

// Format renders cfg as indented JSON, for cmd/seistat and cmd/seidebug.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: format: %w", err)
	}

	return string(data), nil
}
