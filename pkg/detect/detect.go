// Package detect identifies which security tool produced an uploaded report.
package detect

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// Format is the container format of a report.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatHTML Format = "html"
)

// Detection is the result of inspecting a report.
// Tool is empty when no tool matched.
type Detection struct {
	Tool   string
	Format Format
	// Body is the report content, decompressed when the upload was gzipped.
	Body []byte
	// Document is the decoded top-level object of a JSON report.
	Document map[string]json.RawMessage
}

// Matched reports whether a tool was recognized.
func (d Detection) Matched() bool { return d.Tool != "" }

// Detector maps report files to tools.
type Detector struct {
	cfg    Config
	logger types.Logger
}

// New returns a Detector using cfg.
func New(cfg Config, logger types.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// Detect inspects the file at path, submitted by user.
// An unmatched XML or HTML report is deleted from disk.
func (d *Detector) Detect(path, user string) (Detection, error) {
	name := path
	gzipped := strings.EqualFold(filepath.Ext(name), ".gz")
	if gzipped {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	var format Format
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		format = FormatJSON
	case ".xml":
		format = FormatXML
	case ".html":
		format = FormatHTML
	default:
		d.logger.Debug("unsupported report extension", "path", path)
		return Detection{}, nil
	}

	body, err := readReport(path, gzipped)
	if err != nil {
		return Detection{}, &types.MalformedReportError{User: user, Path: path, Err: err}
	}
	det := Detection{Format: format, Body: body}

	switch format {
	case FormatJSON:
		doc := map[string]json.RawMessage{}
		if err := json.Unmarshal(body, &doc); err != nil {
			return Detection{}, &types.MalformedReportError{User: user, Path: path, Err: err}
		}
		det.Document = doc
		det.Tool = d.matchJSON(doc)
	case FormatXML, FormatHTML:
		tag, err := rootTag(body, format == FormatHTML)
		if err != nil {
			return Detection{}, &types.MalformedReportError{User: user, Path: path, Err: err}
		}
		det.Tool = d.cfg.XMLTags[tag]
		if det.Tool == "" {
			d.logger.Warn("unrecognized report root tag, removing file", "path", path, "tag", tag, "user", user)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				d.logger.Error("error removing unrecognized report", "path", path, "error", err)
			}
		}
	}
	if det.Tool != "" {
		d.logger.Debug("detected report tool", "path", path, "tool", det.Tool, "format", string(format))
	}
	return det, nil
}

func readReport(path string, gzipped bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening report: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if gzipped {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading report: %w", err)
	}
	return body, nil
}

func (d *Detector) matchJSON(doc map[string]json.RawMessage) string {
	for _, rule := range d.cfg.JSONRules {
		if len(rule.Keys) == 0 {
			continue
		}
		ok := true
		for _, k := range rule.Keys {
			if isEmptyJSON(doc[k]) {
				ok = false
				break
			}
		}
		if ok {
			return rule.Tool
		}
	}
	return ""
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}", `""`, "false", "0":
		return true
	}
	return false
}

// rootTag decodes the whole document and returns its root element name.
// A default namespace is stripped; a prefixed namespace is kept as {uri}local.
func rootTag(body []byte, html bool) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	if html {
		dec.Entity = xml.HTMLEntity
	}
	var root *xml.StartElement
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error decoding document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root == nil {
				se := t.Copy()
				root = &se
			} else if depth == 0 {
				return "", errors.New("document has more than one root element")
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if root == nil {
		return "", errors.New("document has no root element")
	}
	if root.Name.Space == "" {
		return root.Name.Local, nil
	}
	if html {
		return "{" + root.Name.Space + "}" + root.Name.Local, nil
	}
	for _, a := range root.Attr {
		if a.Name.Space == "" && a.Name.Local == "xmlns" && a.Value == root.Name.Space {
			return root.Name.Local, nil
		}
	}
	return "{" + root.Name.Space + "}" + root.Name.Local, nil
}
