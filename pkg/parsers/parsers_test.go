package parsers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

var testTemplate = types.Template{User: "alice", ApplicationID: 7, ScanName: "scan-1"}

// parseFixture runs a testdata report through detection and the default registry.
func parseFixture(t *testing.T, name string) *types.ParsedReport {
	t.Helper()
	return parseFixtureAs(t, name, name)
}

// parseFixtureAs uploads the testdata report name under the file name upload.
func parseFixtureAs(t *testing.T, name, upload string) *types.ParsedReport {
	t.Helper()
	src, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), upload)
	require.NoError(t, os.WriteFile(path, src, 0o600))

	det, err := detect.New(detect.DefaultConfig(), &types.MockLogger{}).Detect(path, testTemplate.User)
	require.NoError(t, err)
	require.True(t, det.Matched(), "fixture %s was not recognized", name)

	report, err := DefaultRegistry().Parse(det, testTemplate)
	require.NoError(t, err)
	for _, f := range report.Findings {
		assert.Equal(t, "alice", f.SubmittedBy)
		assert.NotEmpty(t, f.Tool)
	}
	return report
}

func findingNames(r *types.ParsedReport) []string {
	names := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		names = append(names, f.Name)
	}
	return names
}

func TestBurp(t *testing.T) {
	r := parseFixture(t, "burp.xml")
	assert.Equal(t, "2.1.4", r.ToolVersion)
	require.Len(t, r.Findings, 2)

	sqli := r.Findings[0]
	assert.Equal(t, "SQL injection", sqli.Name)
	assert.Equal(t, 89, sqli.CWE)
	assert.Equal(t, "High", sqli.Severity)
	assert.Equal(t, "Firm", sqli.Confidence)
	assert.Equal(t, detect.ToolBurp, sqli.Tool)
	assert.Equal(t, "SQL injection lets an attacker read the database.", sqli.Description)
	require.Len(t, sqli.Evidences, 2)
	assert.Equal(t, "http://shop.example/search", sqli.Evidences[0].URL)
	assert.Equal(t, "GET /search?q=' HTTP/1.1", sqli.Evidences[0].Request)
	assert.Equal(t, "HTTP/1.1 500 Internal Server Error", sqli.Evidences[0].Response)
	assert.Equal(t, "/item [id parameter]", sqli.Evidences[1].Name)

	assert.Equal(t, 16, r.Findings[1].CWE)
}

func TestZAPXML(t *testing.T) {
	r := parseFixture(t, "zap.xml")
	assert.Equal(t, "2.9.0", r.ToolVersion)
	require.Len(t, r.Findings, 2)

	sqli := r.Findings[0]
	assert.Equal(t, "SQL Injection", sqli.Name)
	assert.Equal(t, "high", sqli.Severity)
	assert.Equal(t, "Medium", sqli.Confidence)
	assert.Equal(t, "SQL injection may be possible.", sqli.Description)
	want := []types.Evidence{{URL: "http://shop.example/search?q=1", Name: "q", Param: "1' OR '1'='1"}}
	if diff := cmp.Diff(want, sqli.Evidences); diff != "" {
		t.Errorf("evidence mismatch (-want +got):\n%s", diff)
	}

	header := r.Findings[1]
	assert.Equal(t, "low", header.Severity)
	require.Len(t, header.Evidences, 1)
	assert.Equal(t, "http://shop.example/", header.Evidences[0].URL)
}

func TestZAPJSON(t *testing.T) {
	r := parseFixture(t, "zap.json")
	assert.Equal(t, "2.7.0", r.ToolVersion)
	assert.Equal(t, []string{"Cross Site Scripting (Reflected)", "Private IP Disclosure"}, findingNames(r))

	xss := r.Findings[0]
	assert.Equal(t, 79, xss.CWE)
	assert.Equal(t, "high", xss.Severity)
	assert.Equal(t, "XSS", xss.Description)
	assert.Len(t, xss.Evidences, 2)

	ip := r.Findings[1]
	assert.Equal(t, "Low", ip.Severity)
	require.Len(t, ip.Evidences, 1)
	assert.Equal(t, "10.0.0.5", ip.Evidences[0].Log)
}

func TestArachni(t *testing.T) {
	r := parseFixture(t, "arachni.json")
	assert.Equal(t, "1.5.1", r.ToolVersion)
	require.Len(t, r.Findings, 2)

	xss := r.Findings[0]
	assert.Equal(t, 79, xss.CWE)
	assert.Equal(t, "Certain", xss.Confidence)
	assert.Equal(t, "Client-side scripts are used...", xss.Description)
	require.Len(t, xss.Evidences, 2)
	assert.Equal(t, "q", xss.Evidences[0].Name)
	assert.Equal(t, "GET /search?q=x HTTP/1.1", xss.Evidences[0].Request)

	assert.Equal(t, "Tentative", r.Findings[1].Confidence)
}

func TestBandit(t *testing.T) {
	r := parseFixture(t, "bandit.json")
	assert.Empty(t, r.ToolVersion)
	require.Len(t, r.Findings, 2)

	shell := r.Findings[0]
	assert.Equal(t, "subprocess_popen_with_shell_equals_true", shell.Name)
	assert.Equal(t, 78, shell.CWE)
	assert.Equal(t, "HIGH", shell.Severity)
	require.Len(t, shell.Evidences, 2)
	assert.Equal(t, "app/run.py:12", shell.Evidences[0].URL)
	assert.Equal(t, "app/jobs.py:40", shell.Evidences[1].URL)
	assert.Equal(t, "12 subprocess.call(cmd, shell=True)", shell.Evidences[0].Log)

	assert.Equal(t, 703, r.Findings[1].CWE)
}

func TestCheckmarx(t *testing.T) {
	r := parseFixture(t, "checkmarx.xml")
	assert.Equal(t, "8.9.0", r.ToolVersion)
	require.Len(t, r.Findings, 1, "queries whose results are all false positives are dropped")

	sqli := r.Findings[0]
	assert.Equal(t, "SQL Injection", sqli.Name)
	assert.Equal(t, 89, sqli.CWE)
	assert.Equal(t, "Java_High_Risk", sqli.VulType)
	assert.Equal(t, "https://cx.example/ViewerMain.aspx?scanid=1", sqli.URL)
	require.Len(t, sqli.Evidences, 1)
	assert.Equal(t, "src/Search.java:42", sqli.Evidences[0].URL)
	assert.Contains(t, sqli.Evidences[0].Log, `req.getParameter("q")`)
}

func TestDependencyCheck(t *testing.T) {
	r := parseFixture(t, "dependency-check.xml")
	assert.Equal(t, "5.3.0", r.ToolVersion)
	require.Len(t, r.Findings, 1)

	cve := r.Findings[0]
	assert.Equal(t, "CVE-2019-12384", cve.Name)
	assert.Equal(t, 502, cve.CWE)
	assert.Equal(t, 5.9, cve.CVSS)
	assert.Equal(t, "https://github.com/FasterXML/jackson-databind/issues/2334", cve.URL)
	require.Len(t, cve.Evidences, 2)
	assert.Equal(t, "jackson-databind-2.9.8-shaded.jar", cve.Evidences[1].Name)
}

func TestW3af(t *testing.T) {
	r := parseFixture(t, "w3af.xml")
	assert.Equal(t, "1.7.6", r.ToolVersion)
	require.Len(t, r.Findings, 2)

	sqli := r.Findings[0]
	assert.Equal(t, 89, sqli.CWE)
	assert.Equal(t, "sqli", sqli.VulType)
	assert.Equal(t, "https://owasp.org/www-community/attacks/SQL_Injection", sqli.URL)
	require.Len(t, sqli.Evidences, 1)
	assert.Equal(t, "GET /search?q=%27 HTTP/1.1", sqli.Evidences[0].Request)

	assert.Equal(t, 0, r.Findings[1].CWE)
	assert.Equal(t, "Information", r.Findings[1].Severity)
}

func TestAppSpider(t *testing.T) {
	r := parseFixture(t, "appspider.xml")
	require.Len(t, r.Findings, 1)

	sqli := r.Findings[0]
	assert.Equal(t, "High", sqli.Severity)
	assert.Equal(t, "A1", sqli.OWASP)
	assert.Equal(t, "The application builds SQL from input.", sqli.Description)
	require.Len(t, sqli.Evidences, 2)
	assert.Equal(t, "GET /search?q=' HTTP/1.1", sqli.Evidences[0].Request)
	assert.Equal(t, "id", sqli.Evidences[1].Name)
}

func TestTrivy(t *testing.T) {
	r := parseFixture(t, "trivy.json")
	assert.Equal(t, []string{"CVE-2023-5363", "CVE-2021-23337"}, findingNames(r))

	openssl := r.Findings[0]
	assert.Equal(t, 325, openssl.CWE)
	assert.Equal(t, 7.5, openssl.CVSS)
	assert.Equal(t, "Upgrade libcrypto3 to 3.1.4-r0.", openssl.Remediation)
	require.Len(t, openssl.Evidences, 2)
	assert.Equal(t, "libssl3@3.1.3-r0", openssl.Evidences[1].Name)

	assert.Equal(t, "No fixed version is available.", r.Findings[1].Remediation)
}

func TestGenericJSON(t *testing.T) {
	r := parseFixture(t, "generic.json")
	assert.Equal(t, "CustomScanner", r.Tool)
	require.Len(t, r.Findings, 1)
	f := r.Findings[0]
	assert.Equal(t, "CustomScanner", f.Tool)
	assert.Equal(t, "SQL Injection", f.Name)
	assert.Equal(t, 89, f.CWE)
	assert.Equal(t, 9.8, f.CVSS)
}

func TestParseWithoutDocument(t *testing.T) {
	body, err := os.ReadFile(filepath.Join("testdata", "bandit.json"))
	require.NoError(t, err)
	r, err := DefaultRegistry().Parse(detect.Detection{Tool: detect.ToolBandit, Format: detect.FormatJSON, Body: body}, testTemplate)
	require.NoError(t, err)
	assert.Len(t, r.Findings, 2)
}

func TestParseErrors(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Parse(detect.Detection{Tool: "Nessus", Format: detect.FormatXML}, testTemplate)
	assert.ErrorIs(t, err, ErrNoParser)
	assert.ErrorIs(t, err, types.ErrUnrecognizedFormat)

	_, err = reg.Parse(detect.Detection{Tool: detect.ToolBurp, Format: detect.FormatXML, Body: []byte("<issues><issue>")}, testTemplate)
	require.Error(t, err)
	var pe *types.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, detect.ToolBurp, pe.Tool)

	_, err = reg.Parse(detect.Detection{Tool: detect.ToolBandit, Format: detect.FormatJSON, Body: []byte(`{"results": "nope"}`)}, testTemplate)
	assert.ErrorIs(t, err, types.ErrParseFailure)
}

func TestRegistryTools(t *testing.T) {
	assert.Equal(t, []string{
		detect.ToolAppSpider, detect.ToolArachni, detect.ToolBandit, detect.ToolBurp, detect.ToolCheckmarx,
		detect.ToolGenericJSON, detect.ToolDependencyScan, detect.ToolTrivy, detect.ToolZAP, detect.ToolW3af,
	}, DefaultRegistry().Tools())

	_, ok := DefaultRegistry().Lookup(detect.ToolZAP, detect.FormatJSON)
	assert.True(t, ok)
	_, ok = DefaultRegistry().Lookup(detect.ToolBurp, detect.FormatJSON)
	assert.False(t, ok)
	for _, tool := range []string{detect.ToolBurp, detect.ToolZAP, detect.ToolCheckmarx, detect.ToolW3af, detect.ToolAppSpider} {
		_, ok = DefaultRegistry().Lookup(tool, detect.FormatHTML)
		assert.True(t, ok, "no html parser for %s", tool)
	}
	_, ok = DefaultRegistry().Lookup(detect.ToolBandit, detect.FormatHTML)
	assert.False(t, ok)
}

func TestParseHTMLExports(t *testing.T) {
	for _, name := range []string{"burp.xml", "zap.xml", "appspider.xml"} {
		t.Run(name, func(t *testing.T) {
			want := parseFixture(t, name)
			got := parseFixtureAs(t, name, "report.html")
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("html export mismatch (-xml +html):\n%s", diff)
			}
		})
	}
}

func TestParseHTMLEntities(t *testing.T) {
	body := []byte(`<issues burpVersion="2.1"><issue><name>Cross&nbsp;site scripting</name><host>https://shop.example</host>` +
		`<path>/search</path><severity>High</severity><confidence>Firm</confidence>` +
		`<issueBackground>Reflected&hellip;</issueBackground></issue></issues>`)
	report, err := DefaultRegistry().Parse(detect.Detection{Tool: detect.ToolBurp, Format: detect.FormatHTML, Body: body}, testTemplate)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "Cross\u00a0site scripting", report.Findings[0].Name)
}

func TestFlattenHTML(t *testing.T) {
	assert.Equal(t, "plain", flattenHTML(" plain "))
	assert.Equal(t, "one\ntwo & three", flattenHTML("<p>one</p><ul><li>two &amp;   three</li></ul>"))
	assert.Equal(t, 352, parseCWE("see CWE-352 and CWE-79"))
	assert.Equal(t, 0, parseCWE("none"))
}
