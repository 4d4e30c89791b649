package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
)

func newTicketCmd() *cobra.Command {
	ticketCmd := &cobra.Command{
		Use:   "ticket",
		Short: "Raise one tracker issue for the open matches of a vulnerability",
		Args:  cobra.NoArgs,
		RunE:  runTicket,
	}
	f := ticketCmd.Flags()
	f.Uint("application", 0, "Application the vulnerability belongs to")
	f.String("name", "", "Vulnerability name")
	f.Int("cwe", 0, "Vulnerability CWE")
	f.String("project", "", "Tracker project key; defaults to the organization's")
	f.String("issue-type", "", "Tracker issue type; defaults to the organization's")
	f.String("assignee", "", "Tracker user to assign, known from the last user sync")
	f.Bool("async", false, "Queue the request for a worker")
	return ticketCmd
}

func runTicket(cmd *cobra.Command, _ []string) error {
	appID, err := requireUint(cmd, "application")
	if err != nil {
		return err
	}
	name, err := requireString(cmd, "name")
	if err != nil {
		return err
	}
	f := cmd.Flags()
	req := tracker.TicketRequest{Name: name, ApplicationID: appID}
	req.CWE, _ = f.GetInt("cwe")                 //nolint:errcheck
	req.ProjectKey, _ = f.GetString("project")   //nolint:errcheck
	req.IssueType, _ = f.GetString("issue-type") //nolint:errcheck
	req.Assignee, _ = f.GetString("assignee")    //nolint:errcheck
	async, _ := f.GetBool("async")               //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	if async {
		client, closeClient, err := newJobsClient(rt)
		if err != nil {
			return err
		}
		defer closeClient()
		return client.EnqueueTicket(rt.ctx, req)
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	svc, err := trackerService(rt, s)
	if err != nil {
		return err
	}
	res := svc.RaiseTicket(rt.ctx, req)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("ticket not raised: %s", res.Message)
	}
	return nil
}

func newSyncUsersCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync-users",
		Short: "Refresh the tracker users known for an organization",
		Args:  cobra.NoArgs,
		RunE:  runSyncUsers,
	}
	syncCmd.Flags().Uint("organization", 0, "Organization to sync")
	syncCmd.Flags().Bool("async", false, "Queue the sync for a worker")
	return syncCmd
}

func runSyncUsers(cmd *cobra.Command, _ []string) error {
	orgID, err := requireUint(cmd, "organization")
	if err != nil {
		return err
	}
	async, _ := cmd.Flags().GetBool("async") //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	if async {
		client, closeClient, err := newJobsClient(rt)
		if err != nil {
			return err
		}
		defer closeClient()
		return client.EnqueueSyncUsers(rt.ctx, orgID)
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	svc, err := trackerService(rt, s)
	if err != nil {
		return err
	}
	res := svc.SyncUsers(rt.ctx, orgID)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("sync incomplete: %d groups failed", len(res.Failed))
	}
	return nil
}

func newRemediateCmd() *cobra.Command {
	remediateCmd := &cobra.Command{
		Use:   "remediate ID",
		Short: "Record a vulnerability as remediated; this cannot be undone",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemediate,
	}
	remediateCmd.Flags().String("by", os.Getenv("USER"), "Who remediated it")
	remediateCmd.Flags().String("description", "", "How it was remediated")
	return remediateCmd
}

func runRemediate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	by, err := requireString(cmd, "by")
	if err != nil {
		return err
	}
	description, _ := cmd.Flags().GetString("description") //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	if err := s.vulns.Remediate(rt.ctx, id, by, description, time.Now()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "vulnerability %d remediated\n", id)
	return nil
}

func newFalsePositiveCmd() *cobra.Command {
	fpCmd := &cobra.Command{
		Use:   "false-positive ID",
		Short: "Flag a vulnerability as a false positive",
		Args:  cobra.ExactArgs(1),
		RunE:  runFalsePositive,
	}
	fpCmd.Flags().Bool("unset", false, "Clear the flag instead")
	return fpCmd
}

func runFalsePositive(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	unset, _ := cmd.Flags().GetBool("unset") //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	if err := s.vulns.MarkFalsePositive(rt.ctx, id, !unset); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "vulnerability %d false positive: %t\n", id, !unset)
	return nil
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}
