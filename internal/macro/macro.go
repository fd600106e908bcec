// Package macro renders the batch macro handed to the plotting tool.
package macro

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Params describes one plotting job.
type Params struct {
	Name           string // function name; must match the macro file's base name
	Style          string
	Library        string
	DataFile       string
	WebPath        string
	Extension      string
	Compare        bool
	CompareFile    string
	LogAxis        bool
	ReleaseVersion string
	CompareVersion string
}

// FuncName returns the function name the plotter expects for macroFile.
func FuncName(macroFile string) string {
	base := filepath.Base(macroFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Render returns the macro source.
func Render(p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "void %s(){\n", p.Name)
	fmt.Fprintf(&b, "gROOT->SetStyle(%s);\n", quote(p.Style))
	fmt.Fprintf(&b, "gSystem->Load(%s);\n", quote(p.Library))
	b.WriteString("MakePlots plot;\n")
	fmt.Fprintf(&b, "plot.SetFilename(%s);\n", quote(p.DataFile))
	fmt.Fprintf(&b, "plot.SetWebPath(%s);\n", quote(p.WebPath))
	fmt.Fprintf(&b, "plot.SetExtension(%s);\n", quote(p.Extension))
	if p.Compare {
		b.WriteString("plot.SetCompare(true);\n")
		fmt.Fprintf(&b, "plot.SetCompareFilename(%s);\n", quote(p.CompareFile))
	}
	if p.LogAxis {
		b.WriteString("plot.SetLogAxis(true);\n")
	}
	fmt.Fprintf(&b, "plot.SetReleaseVer(%s);\n", quote(p.ReleaseVersion))
	fmt.Fprintf(&b, "plot.SetCompareVer(%s);\n", quote(p.CompareVersion))
	b.WriteString("plot.Draw();\n")
	b.WriteString("}\n")
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// quote returns s as a C++ string literal.
func quote(s string) string {
	return `"` + escaper.Replace(s) + `"`
}
