// Package findingsfile reads scanner findings exported as JSON or YAML. A file holds either
// a bare list of findings or a document with optional scan metadata:
//
//	scan:
//	  scan_id: nessus-2026-03
//	  source: nessus
//	findings:
//	  - title: OpenSSL RCE
//	    host: web-01
//	    severity: 4
//	    first_detected: 2026-01-02
package findingsfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-sspm/poam-import/internal/normalize"
	"github.com/open-sspm/poam-import/internal/poam"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// File is a decoded findings file.
type File struct {
	Metadata poam.ScanMetadata
	Findings []poam.Finding
}

type document struct {
	Scan     scanMeta    `json:"scan" yaml:"scan"`
	Findings []fileEntry `json:"findings" yaml:"findings"`
}

type scanMeta struct {
	ScanID   string `json:"scan_id" yaml:"scan_id"`
	Source   string `json:"source" yaml:"source"`
	ScanType string `json:"scan_type" yaml:"scan_type"`
}

// fileEntry accepts severities and timestamps as strings or numbers.
type fileEntry struct {
	ID            string     `json:"id" yaml:"id"`
	Title         string     `json:"title" yaml:"title"`
	Host          string     `json:"host" yaml:"host"`
	Severity      flexString `json:"severity" yaml:"severity"`
	FirstDetected flexString `json:"first_detected" yaml:"first_detected"`
	Solution      string     `json:"solution" yaml:"solution"`
	Description   string     `json:"description" yaml:"description"`
	CVEs          []string   `json:"cves" yaml:"cves"`
	AdvisoryIDs   []string   `json:"advisory_ids" yaml:"advisory_ids"`
	OS            string     `json:"os" yaml:"os"`
	Patchable     bool       `json:"patchable" yaml:"patchable"`
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

func (s *flexString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*s = flexString(node.Value)
	return nil
}

func (e fileEntry) finding() poam.Finding {
	return poam.Finding{
		ID:            normalize.Trim(e.ID),
		Title:         normalize.Collapse(e.Title),
		Host:          normalize.Trim(e.Host),
		Severity:      poam.ParseSeverity(string(e.Severity)),
		FirstDetected: normalize.Trim(string(e.FirstDetected)),
		Solution:      strings.TrimSpace(e.Solution),
		Description:   strings.TrimSpace(e.Description),
		CVEs:          normalize.Unique(e.CVEs),
		AdvisoryIDs:   normalize.Unique(e.AdvisoryIDs),
		OS:            normalize.Collapse(e.OS),
		Patchable:     e.Patchable,
	}
}

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported findings file %q: want .json, .yaml or .yml", filepath.Base(path))
	}
}

// Load reads and decodes path. Metadata.FileName is set to the base name of path.
func Load(path string) (File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read findings file: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	f.Metadata.FileName = filepath.Base(path)
	return f, nil
}

// Parse decodes data as a findings list or document.
func Parse(data []byte, format Format) (File, error) {
	var (
		doc document
		err error
	)
	switch format {
	case FormatJSON:
		doc, err = parseJSON(data)
	case FormatYAML:
		doc, err = parseYAML(data)
	default:
		return File{}, fmt.Errorf("unsupported findings format %q", format)
	}
	if err != nil {
		return File{}, err
	}

	out := File{
		Metadata: poam.ScanMetadata{
			ScanID:   strings.TrimSpace(doc.Scan.ScanID),
			Source:   strings.TrimSpace(doc.Scan.Source),
			ScanType: strings.TrimSpace(doc.Scan.ScanType),
		},
		Findings: make([]poam.Finding, 0, len(doc.Findings)),
	}
	for _, e := range doc.Findings {
		out.Findings = append(out.Findings, e.finding())
	}
	return out, nil
}

func parseJSON(data []byte) (document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return document{}, errors.New("findings file is empty")
	}
	var doc document
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Findings); err != nil {
			return document{}, fmt.Errorf("decode findings: %w", err)
		}
		return doc, nil
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return document{}, fmt.Errorf("decode findings: %w", err)
	}
	return doc, nil
}

func parseYAML(data []byte) (document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return document{}, fmt.Errorf("decode findings: %w", err)
	}
	if len(root.Content) == 0 {
		return document{}, errors.New("findings file is empty")
	}
	var doc document
	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&doc.Findings); err != nil {
			return document{}, fmt.Errorf("decode findings: %w", err)
		}
	case yaml.MappingNode:
		if err := node.Decode(&doc); err != nil {
			return document{}, fmt.Errorf("decode findings: %w", err)
		}
	default:
		return document{}, fmt.Errorf("line %d: expected a list of findings or a mapping", node.Line)
	}
	return doc, nil
}
