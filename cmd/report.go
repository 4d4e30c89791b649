package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/db"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/report"
)

func newReportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize vulnerabilities by CWE for an application or organization",
		Long: `Summarize vulnerabilities by CWE for an application or organization.
With --snapshot a severity-count report is stored for the application and printed instead.`,
		Args: cobra.NoArgs,
		RunE: runReport,
	}
	f := reportCmd.Flags()
	f.Uint("application", 0, "Application to report on")
	f.Uint("organization", 0, "Organization to report on when no application is given")
	f.Bool("closed", false, "Summarize remediated vulnerabilities instead of open ones")
	f.Bool("snapshot", false, "Store and print a severity-count report for the application")
	f.StringP("output-format", "o", string(report.FormatTable), "Output format: table|csv|json")
	return reportCmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	appID, _ := f.GetUint("application")   //nolint:errcheck
	orgID, _ := f.GetUint("organization")  //nolint:errcheck
	closed, _ := f.GetBool("closed")       //nolint:errcheck
	snapshot, _ := f.GetBool("snapshot")   //nolint:errcheck
	raw, _ := f.GetString("output-format") //nolint:errcheck
	format, err := report.ParseFormat(raw)
	if err != nil {
		return err
	}
	if snapshot || orgID == 0 {
		if appID, err = requireUint(cmd, "application"); err != nil {
			return err
		}
	}

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	if snapshot {
		r, err := db.BuildReport(rt.ctx, s.db, appID)
		if err != nil {
			return err
		}
		return report.WriteReports(cmd.OutOrStdout(), format, []model.Report{*r})
	}
	summaries, err := s.vulns.Summaries(rt.ctx, db.SummaryFilter{ApplicationID: appID, OrganizationID: orgID, Closed: closed}, time.Now())
	if err != nil {
		return err
	}
	return report.WriteSummaries(cmd.OutOrStdout(), format, summaries)
}
