package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/severity"
)

func newOrgCmd() *cobra.Command {
	orgCmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organization with its tracker and knowledge-base settings",
		Args:  cobra.NoArgs,
		RunE:  runOrgCreate,
	}
	f := createCmd.Flags()
	f.String("name", "", "Organization name")
	f.String("tracker-url", "", "Issue tracker URL; enables tracker integration")
	f.String("tracker-username", "", "Tracker username for basic auth")
	f.String("tracker-password", "", "Tracker password for basic auth")
	f.String("tracker-token", "", "Tracker API token, used instead of basic auth")
	f.String("tracker-project", "", "Default tracker project key")
	f.String("tracker-issue-type", "", "Default tracker issue type")
	f.String("auto-ticket-severity", "", "Lowest severity ticketed automatically after ingestion: info|low|medium|high")
	f.String("kb-host", "", "Knowledge base host; enables knowledge-base lookups")
	f.String("kb-protocol", "https", "Knowledge base protocol")
	f.Int("kb-port", 443, "Knowledge base port")
	orgCmd.AddCommand(createCmd)
	return orgCmd
}

func runOrgCreate(cmd *cobra.Command, _ []string) error {
	name, err := requireString(cmd, "name")
	if err != nil {
		return err
	}
	org := &model.Organization{Name: name}
	f := cmd.Flags()
	if url, _ := f.GetString("tracker-url"); url != "" { //nolint:errcheck
		tc := &model.TrackerConfig{URL: url}
		tc.Username, _ = f.GetString("tracker-username")           //nolint:errcheck
		tc.Password, _ = f.GetString("tracker-password")           //nolint:errcheck
		tc.Token, _ = f.GetString("tracker-token")                 //nolint:errcheck
		tc.DefaultProjectKey, _ = f.GetString("tracker-project")   //nolint:errcheck
		tc.DefaultIssueType, _ = f.GetString("tracker-issue-type") //nolint:errcheck
		org.TrackerConfig = tc
		org.Configuration.EnableTracker = true
	}
	if raw, _ := f.GetString("auto-ticket-severity"); raw != "" { //nolint:errcheck
		level, err := severity.ParseLevel(raw)
		if err != nil {
			return err
		}
		threshold := int(level)
		org.Configuration.AutoTicketSeverity = &threshold
	}
	if host, _ := f.GetString("kb-host"); host != "" { //nolint:errcheck
		kb := &model.KnowledgeBaseConfig{Host: host}
		kb.Protocol, _ = f.GetString("kb-protocol") //nolint:errcheck
		kb.Port, _ = f.GetInt("kb-port")            //nolint:errcheck
		org.KnowledgeBase = kb
		org.Configuration.EnableKnowledgeBase = true
	}

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	if err := s.orgs.CreateOrganization(rt.ctx, org); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), org)
}

func newAppCmd() *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Manage applications",
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application in an organization",
		Args:  cobra.NoArgs,
		RunE:  runAppCreate,
	}
	createCmd.Flags().Uint("organization", 0, "Owning organization id")
	createCmd.Flags().String("name", "", "Application name")
	createCmd.Flags().String("url", "", "Application URL")
	appCmd.AddCommand(createCmd)
	return appCmd
}

func runAppCreate(cmd *cobra.Command, _ []string) error {
	orgID, err := requireUint(cmd, "organization")
	if err != nil {
		return err
	}
	name, err := requireString(cmd, "name")
	if err != nil {
		return err
	}
	url, _ := cmd.Flags().GetString("url") //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	if _, err := s.orgs.GetOrganization(rt.ctx, orgID); err != nil {
		return err
	}
	app := &model.Application{Name: name, URL: url, OrganizationID: orgID}
	if err := s.orgs.CreateApplication(rt.ctx, app); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error writing output: %w", err)
	}
	return nil
}
