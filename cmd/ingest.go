package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/ingest"
	"github.com/defenseunicorns/uds-vuln-hub/internal/lock"
	"github.com/defenseunicorns/uds-vuln-hub/internal/metrics"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/detect"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/parsers"
)

func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest REPORT",
		Short: "Ingest a scan report for an application",
		Long: `Ingest a scan report for an application.
The report format is detected from its extension and root element. With --envelope the file
is a generic JSON envelope ({"tool": ..., "vulnerabilities": [...]}) submitted as is.
With --async the report is queued for a worker instead of being processed inline.`,
		Args: cobra.ExactArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().Uint("application", 0, "Application the report belongs to")
	ingestCmd.Flags().String("user", os.Getenv("USER"), "User submitting the report")
	ingestCmd.Flags().Bool("webhook", false, "Record the submission as webhook-driven")
	ingestCmd.Flags().Bool("envelope", false, "Treat the file as a generic JSON envelope")
	ingestCmd.Flags().Bool("async", false, "Queue the report for a worker")
	return ingestCmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	appID, err := requireUint(cmd, "application")
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")       //nolint:errcheck
	webhook, _ := cmd.Flags().GetBool("webhook")   //nolint:errcheck
	envelope, _ := cmd.Flags().GetBool("envelope") //nolint:errcheck
	async, _ := cmd.Flags().GetBool("async")       //nolint:errcheck

	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(rt)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(rt, s, lock.NewMemoryLocker(), nil, nil)
	if err != nil {
		return err
	}

	var (
		path    string
		payload []byte
	)
	if envelope {
		if payload, err = os.ReadFile(args[0]); err != nil {
			return fmt.Errorf("error reading envelope: %w", err)
		}
	} else if path, err = ingest.Stage(rt.cfg.UploadDir, args[0]); err != nil {
		return err
	}

	scanType := model.ScanTypeManual
	if webhook {
		scanType = model.ScanTypeWebhook
	}
	receipt, err := orch.Accept(rt.ctx, ingest.Submission{
		User:          user,
		ScanName:      uuid.NewString(),
		ScanType:      scanType,
		ApplicationID: appID,
	})
	if err != nil {
		if path != "" {
			_ = os.Remove(path)
		}
		return err
	}
	req := ingest.Request{ScanName: receipt.ScanName, User: user, WebhookLogID: receipt.WebhookLogID}

	if async {
		if err := enqueueIngest(rt, req, path, payload); err != nil {
			// No worker will see the scan, so it is rolled back here.
			orch.Abandon(rt.ctx, req, err)
			if path != "" {
				_ = os.Remove(path)
			}
			return err
		}
		return printJSON(cmd.OutOrStdout(), receipt)
	}

	var out ingest.Outcome
	if envelope {
		out = orch.ProcessJSON(rt.ctx, ingest.JSONRequest{Request: req, Payload: payload})
	} else {
		out = orch.ProcessFile(rt.ctx, ingest.FileRequest{Request: req, Path: path})
	}
	if out.Retryable() {
		// There is no retry inline.
		out = orch.Abandon(rt.ctx, req, out.Err)
	}
	if err := printJSON(cmd.OutOrStdout(), newOutcomeView(out)); err != nil {
		return err
	}
	return out.Err
}

// enqueueIngest queues the report for a worker. An envelope is queued when path is empty.
func enqueueIngest(rt *runtime, req ingest.Request, path string, payload []byte) error {
	client, closeClient, err := newJobsClient(rt)
	if err != nil {
		return err
	}
	defer closeClient()
	if path == "" {
		return client.EnqueueJSON(rt.ctx, ingest.JSONRequest{Request: req, Payload: payload})
	}
	return client.EnqueueFile(rt.ctx, ingest.FileRequest{Request: req, Path: path})
}

// newOrchestrator wires an orchestrator over s. tickets and collector may be nil.
func newOrchestrator(rt *runtime, s *store, locker lock.Locker, tickets ingest.TicketDispatcher, collector *metrics.Collector) (*ingest.Orchestrator, error) {
	detectCfg := detect.DefaultConfig()
	if rt.cfg.DetectorFile != "" {
		var err error
		if detectCfg, err = detect.LoadConfig(rt.cfg.DetectorFile); err != nil {
			return nil, err
		}
	}
	return ingest.New(rt.ctx, ingest.Dependencies{
		Scans:    s.scans,
		Vulns:    s.vulns,
		Webhooks: s.webhooks,
		Orgs:     s.orgs,
		Detector: detect.New(detectCfg, rt.logger),
		Parsers:  parsers.DefaultRegistry(),
		Locker:   locker,
		Tickets:  tickets,
		Metrics:  collector,
		LockTTL:  rt.cfg.Worker.LockTTL,
	})
}

// outcomeView is the printable form of an ingest.Outcome.
type outcomeView struct {
	ScanName   string `json:"scan_name"`
	Tool       string `json:"tool,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Findings   int    `json:"findings"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Dispatched int    `json:"dispatched"`
	Skipped    bool   `json:"skipped,omitempty"`
}

func newOutcomeView(out ingest.Outcome) outcomeView {
	v := outcomeView{
		ScanName:   out.ScanName,
		Tool:       out.Tool,
		Status:     string(out.Status),
		Findings:   out.Findings,
		Created:    len(out.Created),
		Updated:    len(out.Updated),
		Dispatched: out.Dispatched,
		Skipped:    out.Skipped,
	}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	return v
}
