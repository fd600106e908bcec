// Package config loads the optional .relval.yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the working directory.
const FileName = ".relval.yaml"

// Default values.
const (
	DefaultTimeout        = 2 * time.Hour
	DefaultMaxOutput      = 64 << 20 // 64 MB per stream
	DefaultVersionEnv     = "CMSSW_VERSION"
	DefaultReference      = "CMSSW_1_3_1"
	DefaultPackage        = "RecoVertex"
	DefaultAnalysisBinary = "cmsRun"
	DefaultDataConfig     = "the_data.cfg"
	DefaultAnalysisOutput = "{version}_validation.root"
	DefaultPlotterBinary  = "root"
	DefaultMacro          = "tmpbatch.C"
	DefaultLibrary        = "libMakePlots.so"
	DefaultStyle          = "Plain"
	DefaultExtension      = "png"
)

// Config holds the parsed .relval.yaml configuration.
type Config struct {
	Version        int           `yaml:"version"`
	Timeout        Duration      `yaml:"timeout"`    // per external command; 0 disables
	MaxOutput      int           `yaml:"max_output"` // bytes per stream
	Spool          bool          `yaml:"spool"`      // capture output through temp files
	VersionEnv     string        `yaml:"version_env"`
	Reference      string        `yaml:"reference"`
	Parallel       int           `yaml:"parallel"`
	Analysis       Analysis      `yaml:"analysis"`
	Plotter        Plotter       `yaml:"plotter"`
	Packages       []PackageRule `yaml:"packages"`
	DefaultPackage string        `yaml:"default_package"`
	Cleanup        []string      `yaml:"cleanup"`
	Log            Log           `yaml:"log"`
	MetricsFile    string        `yaml:"metrics_file"`
	Publish        Publish       `yaml:"publish"`
}

// Analysis describes the external analysis executable.
type Analysis struct {
	Binary     string   `yaml:"binary"`
	Args       []string `yaml:"args"`        // inserted before the config path
	DataConfig string   `yaml:"data_config"` // name the sample is staged under
	Output     string   `yaml:"output"`      // produced file; {version} is substituted
}

// Plotter describes the visualization tool and the macro it runs.
type Plotter struct {
	Binary    string   `yaml:"binary"`
	Args      []string `yaml:"args"`
	Macro     string   `yaml:"macro"`
	Library   string   `yaml:"library"`
	Style     string   `yaml:"style"`
	Extension string   `yaml:"extension"`
}

// PackageRule maps a config file name fragment to a package label.
type PackageRule struct {
	Fragment string `yaml:"fragment"`
	Label    string `yaml:"label"`
}

// Log controls the structured log.
type Log struct {
	File  string `yaml:"file"` // empty logs to stderr only
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Publish holds the S3-compatible upload target.
type Publish struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultPackageRules are evaluated in order; the first fragment found in
// the config file name wins.
var DefaultPackageRules = []PackageRule{
	{Fragment: "RecoB", Label: "RecoB"},
	{Fragment: "RecoVertex_Tracking", Label: "RecoVertex_Tracking"},
	{Fragment: "RecoVertex_PrimaryVertex", Label: "RecoVertex_PrimaryVertex"},
}

// DefaultCleanup lists the plotter by-products removed after a run.
var DefaultCleanup = []string{"make_plots.C", "make_plots_C.so"}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		Version:    1,
		Timeout:    Duration{DefaultTimeout},
		MaxOutput:  DefaultMaxOutput,
		VersionEnv: DefaultVersionEnv,
		Reference:  DefaultReference,
		Parallel:   1,
		Analysis: Analysis{
			Binary:     DefaultAnalysisBinary,
			DataConfig: DefaultDataConfig,
			Output:     DefaultAnalysisOutput,
		},
		Plotter: Plotter{
			Binary:    DefaultPlotterBinary,
			Args:      []string{"-l", "-b", "-q"},
			Macro:     DefaultMacro,
			Library:   DefaultLibrary,
			Style:     DefaultStyle,
			Extension: DefaultExtension,
		},
		Packages:       append([]PackageRule(nil), DefaultPackageRules...),
		DefaultPackage: DefaultPackage,
		Cleanup:        append([]string(nil), DefaultCleanup...),
		Log:            Log{Level: "info"},
	}
}

// AnalysisOutput returns the file the analysis writes for release version.
func (c *Config) AnalysisOutput(version string) string {
	return strings.ReplaceAll(c.Analysis.Output, "{version}", version)
}

// Workers returns the number of samples processed concurrently.
func (c *Config) Workers() int {
	if c.Parallel < 1 {
		return 1
	}
	return c.Parallel
}

// fill restores defaults for fields a config file explicitly emptied.
func (c *Config) fill() {
	d := Default()
	if c.MaxOutput == 0 {
		c.MaxOutput = d.MaxOutput
	}
	if c.VersionEnv == "" {
		c.VersionEnv = d.VersionEnv
	}
	if c.Reference == "" {
		c.Reference = d.Reference
	}
	if c.DefaultPackage == "" {
		c.DefaultPackage = d.DefaultPackage
	}
	if c.Analysis.Binary == "" {
		c.Analysis.Binary = d.Analysis.Binary
	}
	if c.Analysis.DataConfig == "" {
		c.Analysis.DataConfig = d.Analysis.DataConfig
	}
	if c.Analysis.Output == "" {
		c.Analysis.Output = d.Analysis.Output
	}
	if c.Plotter.Binary == "" {
		c.Plotter.Binary = d.Plotter.Binary
	}
	if c.Plotter.Macro == "" {
		c.Plotter.Macro = d.Plotter.Macro
	}
	if c.Plotter.Library == "" {
		c.Plotter.Library = d.Plotter.Library
	}
	if c.Plotter.Style == "" {
		c.Plotter.Style = d.Plotter.Style
	}
	if c.Plotter.Extension == "" {
		c.Plotter.Extension = d.Plotter.Extension
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Timeout.Duration < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", c.Timeout)
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must be non-negative, got %d", c.Parallel)
	}
	for i, rule := range c.Packages {
		if rule.Fragment == "" || rule.Label == "" {
			return fmt.Errorf("package rule %d needs both fragment and label", i)
		}
	}
	if strings.ContainsAny(c.Plotter.Macro, `/\`) {
		return fmt.Errorf("plotter macro %q must be a bare file name", c.Plotter.Macro)
	}
	return nil
}

// LoadResult holds the parsed config and where it came from.
type LoadResult struct {
	Config *Config
	Path   string // empty when no file was found
}

// Load looks for .relval.yaml in dir and its parents. If none exists, the
// default Config is returned.
func Load(dir string) (*LoadResult, error) {
	path, err := find(dir)
	if err != nil {
		return &LoadResult{Config: Default()}, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: path}, nil
}

// LoadFile reads an explicit config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// find walks upward from dir looking for FileName.
func find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
