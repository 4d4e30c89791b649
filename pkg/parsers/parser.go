// Package parsers turns tool-specific scan reports into canonical findings.
package parsers

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// Parser converts one tool's report format into findings.
// Implementations are pure: they either return every finding or an error.
type Parser interface {
	Tool() string
	Formats() []detect.Format
	Parse(body []byte, tmpl types.Template) (*types.ParsedReport, error)
}

// DocumentParser is implemented by JSON parsers that can reuse the detector's decoded document.
type DocumentParser interface {
	Parser
	ParseDocument(doc map[string]json.RawMessage, tmpl types.Template) (*types.ParsedReport, error)
}

// markupFormats are the formats of XML parsers; HTML exports share the XML layout.
var markupFormats = []detect.Format{detect.FormatXML, detect.FormatHTML}

// ErrNoParser is returned when a registry has no parser for a tool and format.
var ErrNoParser = errors.New("no parser registered")

type registryKey struct {
	tool   string
	format detect.Format
}

// Registry maps (tool, format) pairs to parsers.
type Registry struct {
	parsers map[registryKey]Parser
}

// NewRegistry builds a registry from the given parsers.
// A later parser replaces an earlier one for the same tool and format.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[registryKey]Parser)}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in parser.
func DefaultRegistry() *Registry {
	return NewRegistry(
		BurpParser{},
		ZAPXMLParser{},
		ZAPJSONParser{},
		ArachniParser{},
		BanditParser{},
		CheckmarxParser{},
		DependencyCheckParser{},
		W3afParser{},
		AppSpiderParser{},
		TrivyParser{},
		GenericJSONParser{},
	)
}

// Register adds p under each of its formats.
func (r *Registry) Register(p Parser) {
	for _, f := range p.Formats() {
		r.parsers[registryKey{tool: p.Tool(), format: f}] = p
	}
}

// Lookup returns the parser for tool and format.
func (r *Registry) Lookup(tool string, format detect.Format) (Parser, bool) {
	p, ok := r.parsers[registryKey{tool: tool, format: format}]
	return p, ok
}

// Tools lists the registered tool names, sorted and deduplicated.
func (r *Registry) Tools() []string {
	seen := map[string]struct{}{}
	for k := range r.parsers {
		seen[k.tool] = struct{}{}
	}
	tools := make([]string, 0, len(seen))
	for t := range seen {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

// Parse runs the parser matching det and applies tmpl to every finding.
func (r *Registry) Parse(det detect.Detection, tmpl types.Template) (*types.ParsedReport, error) {
	p, ok := r.Lookup(det.Tool, det.Format)
	if !ok {
		return nil, fmt.Errorf("%w: %w for tool %q format %q", types.ErrUnrecognizedFormat, ErrNoParser, det.Tool, det.Format)
	}
	if tmpl.Tool == "" {
		tmpl.Tool = det.Tool
	}
	var (
		report *types.ParsedReport
		err    error
	)
	if dp, ok := p.(DocumentParser); ok && det.Document != nil {
		report, err = dp.ParseDocument(det.Document, tmpl)
	} else {
		report, err = p.Parse(det.Body, tmpl)
	}
	if err != nil {
		var pe *types.ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, types.NewParseError(p.Tool(), err)
	}
	if report.Tool == "" {
		report.Tool = p.Tool()
	}
	for i := range report.Findings {
		tmpl.Apply(&report.Findings[i])
	}
	return report, nil
}

// decodeDocument splits a JSON object into its top-level keys.
func decodeDocument(body []byte) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("error decoding report: %w", err)
	}
	return doc, nil
}

// newXMLDecoder decodes XML or HTML report bodies; HTML named entities are accepted.
func newXMLDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Entity = xml.HTMLEntity
	return dec
}
