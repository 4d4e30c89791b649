package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/db"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/knowledgebase"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
)

const (
	// DefaultPriority is the priority of every raised issue.
	DefaultPriority = "Highest"
	// DefaultIssueType is used when neither the request nor the tracker config names one.
	DefaultIssueType = "Bug"
	// EvidenceFilename names the evidence attachment.
	EvidenceFilename = "evidences.txt"

	syncConcurrency = 4
)

// Describer looks up a knowledge-base entry for a CWE.
type Describer interface {
	Lookup(ctx context.Context, cwe int) (*knowledgebase.Entry, error)
}

// DescriberFactory opens a Describer for an organization's knowledge base.
type DescriberFactory func(cfg model.KnowledgeBaseConfig) (Describer, error)

// DefaultDescriberFactory uses knowledgebase.NewClient with the default HTTP client.
func DefaultDescriberFactory(cfg model.KnowledgeBaseConfig) (Describer, error) {
	return knowledgebase.NewClient(cfg, nil)
}

// TicketRequest asks for one issue covering every open match of (ApplicationID, Name, CWE).
type TicketRequest struct {
	Name          string `json:"name" validate:"required"`
	ProjectKey    string `json:"project_key,omitempty"`
	IssueType     string `json:"issue_type,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	ApplicationID uint   `json:"application_id" validate:"required"`
	CWE           int    `json:"cwe" validate:"min=0"`
}

// Result reports a ticketing attempt. Failures are carried in Message, never returned as errors.
type Result struct {
	Message  string
	IssueKey string
	Status   string
	Assignee string
	Stamped  int
	OK       bool
}

// SyncResult reports a user sync. Failed maps each group that could not be synced to its error.
type SyncResult struct {
	Failed map[string]string
	Groups int
	Users  int
	OK     bool
}

// Service raises tracker issues and syncs tracker users.
type Service struct {
	vulns      db.VulnerabilityManager
	orgs       db.OrganizationManager
	clients    ClientFactory
	describers DescriberFactory
}

// NewService creates a Service. A nil describers disables knowledge-base lookups.
func NewService(vulns db.VulnerabilityManager, orgs db.OrganizationManager, clients ClientFactory, describers DescriberFactory) (*Service, error) {
	if vulns == nil || orgs == nil {
		return nil, fmt.Errorf("managers cannot be nil")
	}
	if clients == nil {
		return nil, fmt.Errorf("client factory cannot be nil")
	}
	return &Service{vulns: vulns, orgs: orgs, clients: clients, describers: describers}, nil
}

// RaiseTicket opens one issue for the open, non-false-positive matches of req and stamps them with it.
func (s *Service) RaiseTicket(ctx context.Context, req TicketRequest) (res Result) {
	logger := log.NewLogger(ctx).With(zap.Uint("application", req.ApplicationID), zap.String("vulnerability", req.Name), zap.Int("cwe", req.CWE))
	defer func() {
		if r := recover(); r != nil {
			res = Result{Message: fmt.Sprintf("panic raising ticket: %v", r)}
		}
		if res.OK {
			logger.Info("raised ticket", zap.String("issue", res.IssueKey), zap.Int("stamped", res.Stamped))
		} else {
			logger.Error("ticket not raised", zap.String("reason", res.Message))
		}
	}()

	app, err := s.orgs.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return Result{Message: err.Error()}
	}
	org, err := s.orgs.GetOrganization(ctx, app.OrganizationID)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if !org.Configuration.EnableTracker || org.TrackerConfig == nil {
		return Result{Message: "tracker integration is not enabled for organization " + org.Name}
	}
	matches, err := s.vulns.OpenMatches(ctx, app.ID, req.Name, req.CWE)
	if err != nil {
		return Result{Message: err.Error()}
	}
	if len(matches) == 0 {
		return Result{Message: "no open vulnerabilities match"}
	}

	cfg := org.TrackerConfig
	issueReq := IssueRequest{
		ProjectKey:  firstNonEmpty(req.ProjectKey, cfg.DefaultProjectKey),
		IssueType:   firstNonEmpty(req.IssueType, cfg.DefaultIssueType, DefaultIssueType),
		Priority:    DefaultPriority,
		Summary:     req.Name,
		Description: s.describe(ctx, org, app, req.CWE),
	}
	if issueReq.ProjectKey == "" {
		return Result{Message: "no project key given or configured"}
	}

	client, err := s.clients(ctx, cfg)
	if err != nil {
		return Result{Message: err.Error()}
	}
	issue, err := client.CreateIssue(ctx, issueReq)
	if err != nil {
		return Result{Message: err.Error()}
	}
	res = Result{OK: true, IssueKey: issue.Key, Status: issue.Status}

	var errs []error
	if err := client.AddAttachment(ctx, issue.Key, EvidenceFilename, strings.NewReader(EvidenceBundle(matches))); err != nil {
		errs = append(errs, err)
	}
	ids := make([]uint, 0, len(matches))
	for i := range matches {
		ids = append(ids, matches[i].ID)
	}
	if err := s.vulns.StampTicket(ctx, ids, issue.Key, issue.Status); err != nil {
		errs = append(errs, err)
	} else {
		res.Stamped = len(ids)
	}

	if req.Assignee != "" {
		known, err := s.orgs.TrackerUserExists(ctx, cfg.ID, req.Assignee)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !known:
			errs = append(errs, fmt.Errorf("assignee %q is not an active tracker user", req.Assignee))
		default:
			if err := client.AssignIssue(ctx, issue.Key, req.Assignee); err != nil {
				errs = append(errs, err)
			} else {
				res.Assignee = req.Assignee
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		res.Message = err.Error()
	}
	return res
}

// describe assembles the issue description, with the knowledge-base entry when one is configured.
func (s *Service) describe(ctx context.Context, org *model.Organization, app *model.Application, cwe int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application:\n%s\n\n", app.Name)
	fmt.Fprintf(&b, "Application URL:\n%s\n\n", app.URL)
	if cwe != 0 {
		fmt.Fprintf(&b, "CWE :\n%d\n\n", cwe)
	}
	if s.describers == nil || !org.Configuration.EnableKnowledgeBase || org.KnowledgeBase == nil {
		return b.String()
	}
	kb, err := s.describers(*org.KnowledgeBase)
	if err == nil {
		var entry *knowledgebase.Entry
		if entry, err = kb.Lookup(ctx, cwe); err == nil {
			fmt.Fprintf(&b, "Description:\n%s\n\n", entry.Description)
			if len(entry.References) > 0 {
				fmt.Fprintf(&b, "References:\n%s", strings.Join(entry.References, "\n"))
			}
			return b.String()
		}
	}
	log.NewLogger(ctx).Warn("knowledge base lookup failed", zap.Int("cwe", cwe), zap.Error(err))
	return b.String()
}

// EvidenceBundle renders the evidence attachment for vuls.
func EvidenceBundle(vuls []model.Vulnerability) string {
	var b strings.Builder
	b.WriteString("Evidences")
	for i := range vuls {
		for _, e := range vuls[i].Evidences {
			fmt.Fprintf(&b, "\n\t- %s\n\t\t- %s", e.URL, e.Name)
		}
	}
	return b.String()
}

// SyncUsers replaces the stored membership of every tracker group of the organization.
// Groups are fetched concurrently. A failing group is recorded and the others still sync.
func (s *Service) SyncUsers(ctx context.Context, organizationID uint) (res SyncResult) {
	logger := log.NewLogger(ctx).With(zap.Uint("organization", organizationID))
	res.Failed = map[string]string{}
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Failed["*"] = fmt.Sprintf("panic syncing users: %v", r)
		}
		logger.Info("synced tracker users", zap.Bool("ok", res.OK), zap.Int("groups", res.Groups),
			zap.Int("users", res.Users), zap.Int("failed", len(res.Failed)))
	}()

	org, err := s.orgs.GetOrganization(ctx, organizationID)
	if err != nil {
		res.Failed["*"] = err.Error()
		return res
	}
	if !org.Configuration.EnableTracker || org.TrackerConfig == nil {
		res.Failed["*"] = "tracker integration is not enabled"
		return res
	}
	client, err := s.clients(ctx, org.TrackerConfig)
	if err != nil {
		res.Failed["*"] = err.Error()
		return res
	}
	groups, err := client.ListGroups(ctx)
	if err != nil {
		res.Failed["*"] = err.Error()
		return res
	}

	var mu sync.Mutex
	members := make(map[string][]Member, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			// A panic here is not seen by the deferred recover above.
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic listing group members", zap.String("group", group), zap.Any("panic", r))
					mu.Lock()
					res.Failed[group] = fmt.Sprintf("panic listing group members: %v", r)
					mu.Unlock()
				}
			}()
			m, err := client.GroupMembers(gctx, group)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[group] = err.Error()
				return nil
			}
			members[group] = m
			return nil
		})
	}
	_ = g.Wait()

	names := make([]string, 0, len(members))
	for group := range members {
		names = append(names, group)
	}
	sort.Strings(names)
	for _, group := range names {
		users := make([]model.TrackerUser, 0, len(members[group]))
		for _, m := range members[group] {
			users = append(users, model.TrackerUser{Name: m.Name, DisplayName: m.DisplayName, Email: m.Email})
		}
		if err := s.orgs.ReplaceTrackerGroup(ctx, org.TrackerConfig.ID, group, users); err != nil {
			res.Failed[group] = err.Error()
			continue
		}
		res.Groups++
		res.Users += len(users)
	}
	res.OK = len(res.Failed) == 0
	return res
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
