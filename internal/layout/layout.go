// Package layout derives package labels and the on-disk paths of every
// artifact a validation run produces.
//
// Directory tree:
//
//	<webpath>/packages/<package>/<version>/<sample>/
//	    <version>_<package>_<sample>.root
//	    <version>_<package>_<sample>.log
//	    *.png, index.html
package layout

import (
	"path/filepath"
	"strings"

	"github.com/deixis/relval/internal/config"
)

// SampleExt is stripped from sample file names.
const SampleExt = ".cfg"

// Layout builds paths under a web root for one release and its reference.
type Layout struct {
	WebPath      string
	Version      string
	Reference    string
	Rules        []config.PackageRule
	DefaultLabel string
}

// New returns a Layout using the package rules from cfg.
func New(cfg *config.Config, webPath, version, reference string) *Layout {
	return &Layout{
		WebPath:      webPath,
		Version:      version,
		Reference:    reference,
		Rules:        cfg.Packages,
		DefaultLabel: cfg.DefaultPackage,
	}
}

// Classify returns the package label for a config file path.
func (l *Layout) Classify(configPath string) string {
	return Classify(l.Rules, l.DefaultLabel, configPath)
}

// Classify scans rules in order and returns the label of the first rule whose
// fragment occurs in path, or def when none does.
func Classify(rules []config.PackageRule, def, path string) string {
	for _, r := range rules {
		if strings.Contains(path, r.Fragment) {
			return r.Label
		}
	}
	return def
}

// SampleName returns the base name of a sample file with ".cfg" removed.
func SampleName(samplePath string) string {
	return strings.TrimSuffix(filepath.Base(samplePath), SampleExt)
}

// Root returns <webpath>/packages.
func (l *Layout) Root() string {
	return filepath.Join(l.WebPath, "packages")
}

// Folder returns the output folder of one sample.
func (l *Layout) Folder(pkg, sample string) string {
	return l.folder(pkg, l.Version, sample)
}

func (l *Layout) folder(pkg, version, sample string) string {
	return filepath.Join(l.WebPath, "packages", pkg, version, sample)
}

// BaseName returns "<version>_<package>_<sample>".
func BaseName(version, pkg, sample string) string {
	return version + "_" + pkg + "_" + sample
}

// DataFile returns the path the analysis output is stored under.
func (l *Layout) DataFile(pkg, sample string) string {
	return filepath.Join(l.Folder(pkg, sample), BaseName(l.Version, pkg, sample)+".root")
}

// LogFile returns the final location of a sample's log.
func (l *Layout) LogFile(pkg, sample string) string {
	return filepath.Join(l.Folder(pkg, sample), BaseName(l.Version, pkg, sample)+".log")
}

// ReferenceDataFile returns the data file of the same sample produced by the
// reference release.
func (l *Layout) ReferenceDataFile(pkg, sample string) string {
	return filepath.Join(l.folder(pkg, l.Reference, sample), BaseName(l.Reference, pkg, sample)+".root")
}

// StagingLog returns where a full run writes its log before the folder
// exists.
func (l *Layout) StagingLog(workdir, pkg, sample string) string {
	return filepath.Join(workdir, BaseName(l.Version, pkg, sample)+".log")
}

// Paths groups every path derived for one (config, sample) pair.
type Paths struct {
	Package    string `json:"package"`
	Sample     string `json:"sample"`
	Folder     string `json:"folder"`
	DataFile   string `json:"data_file"`
	LogFile    string `json:"log_file"`
	Reference  string `json:"reference_file"`
	StagingLog string `json:"staging_log"`
}

// Resolve computes all paths for a config and sample file.
func (l *Layout) Resolve(workdir, configPath, samplePath string) Paths {
	pkg := l.Classify(configPath)
	sample := SampleName(samplePath)
	return Paths{
		Package:    pkg,
		Sample:     sample,
		Folder:     l.Folder(pkg, sample),
		DataFile:   l.DataFile(pkg, sample),
		LogFile:    l.LogFile(pkg, sample),
		Reference:  l.ReferenceDataFile(pkg, sample),
		StagingLog: l.StagingLog(workdir, pkg, sample),
	}
}
