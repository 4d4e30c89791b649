package detect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tool names shared by the detector and the parser registry.
const (
	ToolBurp           = "Burp"
	ToolZAP            = "ZAP"
	ToolArachni        = "Arachni"
	ToolBandit         = "Bandit"
	ToolCheckmarx      = "Checkmarx"
	ToolDependencyScan = "OWASP Dependency Checker"
	ToolW3af           = "w3af"
	ToolAppSpider      = "AppSpider"
	ToolTrivy          = "Trivy"
	ToolGenericJSON    = "JSON"
)

// JSONRule matches a JSON report when every key is present with a non-empty value.
type JSONRule struct {
	Keys []string `yaml:"keys"`
	Tool string   `yaml:"tool"`
}

// Config is the detection table.
type Config struct {
	// JSONRules are evaluated in order; the first match wins.
	JSONRules []JSONRule `yaml:"json_rules"`
	// XMLTags maps a root tag to a tool. XML reports are looked up with a default namespace
	// stripped, HTML reports with the raw tag.
	XMLTags map[string]string `yaml:"xml_tags"`
}

// DefaultConfig returns the built-in detection table.
func DefaultConfig() Config {
	return Config{
		JSONRules: []JSONRule{
			{Keys: []string{"issues"}, Tool: ToolArachni},
			{Keys: []string{"results"}, Tool: ToolBandit},
			{Keys: []string{"Report"}, Tool: ToolZAP},
			{Keys: []string{"SchemaVersion", "Results"}, Tool: ToolTrivy},
			{Keys: []string{"tool", "vulnerabilities"}, Tool: ToolGenericJSON},
		},
		XMLTags: map[string]string{
			"issues":         ToolBurp,
			"OWASPZAPReport": ToolZAP,
			"CxXMLResults":   ToolCheckmarx,
			"analysis":       ToolDependencyScan,
			"w3af-run":       ToolW3af,
			"VulnSummary":    ToolAppSpider,
		},
	}
}

// LoadConfig reads YAML overrides on top of DefaultConfig.
// json_rules replaces the default rule list when present; xml_tags is merged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading detector config %s: %w", path, err)
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return cfg, fmt.Errorf("error parsing detector config %s: %w", path, err)
	}
	if len(override.JSONRules) > 0 {
		cfg.JSONRules = override.JSONRules
	}
	for tag, tool := range override.XMLTags {
		cfg.XMLTags[tag] = tool
	}
	return cfg, nil
}
