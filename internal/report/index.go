package report

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IndexFile is the page written into every sample folder.
const IndexFile = "index.html"

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Package}} {{.Version}} {{.Sample}}</title></head>
<body>
<h1>{{.Package}} / {{.Version}} / {{.Sample}}</h1>
<p>Compared against {{if .Reference}}{{.Reference}}{{else}}nothing{{end}}. Status: {{.Status}}.</p>
<ul>
{{- if .Log}}
<li><a href="{{.Log}}">log</a></li>
{{- end}}
{{- if .Data}}
<li><a href="{{.Data}}">data file</a></li>
{{- end}}
</ul>
{{range .Images}}<div><a href="{{.}}"><img src="{{.}}" alt="{{.}}"></a></div>
{{end}}</body>
</html>
`))

type indexPage struct {
	Package, Version, Sample string
	Reference                string
	Status                   Status
	Log, Data                string
	Images                   []string
}

// WriteIndex renders index.html into the sample's folder, linking every
// image with extension ext found there. reference is empty when the run did
// not compare.
func WriteIndex(s *Sample, version, reference, ext string) error {
	entries, err := os.ReadDir(s.Folder)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.Folder, err)
	}

	page := indexPage{
		Package:   s.Package,
		Version:   version,
		Sample:    s.Sample,
		Reference: reference,
		Status:    s.Status(),
	}
	suffix := "." + strings.TrimPrefix(ext, ".")
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
		case name == filepath.Base(s.LogFile):
			page.Log = name
		case name == filepath.Base(s.DataFile):
			page.Data = name
		case strings.HasSuffix(name, suffix):
			page.Images = append(page.Images, name)
		}
	}
	sort.Strings(page.Images)

	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, page); err != nil {
		return fmt.Errorf("rendering index: %w", err)
	}
	return AtomicWrite(filepath.Join(s.Folder, IndexFile), buf.Bytes(), 0o644)
}
