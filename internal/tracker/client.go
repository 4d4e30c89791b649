// Package tracker raises issues for open vulnerabilities and mirrors tracker group membership.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// IssueRequest is the payload of a new tracker issue.
type IssueRequest struct {
	ProjectKey  string
	IssueType   string
	Priority    string
	Summary     string
	Description string
}

// Issue identifies a created issue.
type Issue struct {
	Key    string
	Status string
}

// Member is an active user of a tracker group.
type Member struct {
	Name        string
	DisplayName string
	Email       string
}

// Client is the part of the issue tracker API used by Service.
type Client interface {
	CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error)
	AddAttachment(ctx context.Context, issueKey, filename string, r io.Reader) error
	AssignIssue(ctx context.Context, issueKey, user string) error
	ListGroups(ctx context.Context) ([]string, error)
	// GroupMembers returns the active members of group.
	GroupMembers(ctx context.Context, group string) ([]Member, error)
}

// ClientFactory opens a Client for an organization's tracker configuration.
type ClientFactory func(ctx context.Context, cfg *model.TrackerConfig) (Client, error)

// Options tune the clients built by NewJiraFactory.
type Options struct {
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

const membersPageSize = 50

// NewJiraFactory returns a ClientFactory producing rate-limited go-jira clients.
func NewJiraFactory(opts Options) ClientFactory {
	return func(ctx context.Context, cfg *model.TrackerConfig) (Client, error) {
		return NewJiraClient(ctx, cfg, opts)
	}
}

type jiraClient struct {
	client  *jira.Client
	limiter *rate.Limiter
}

// NewJiraClient connects to the tracker in cfg. A token authenticates as a bearer token through
// oauth2, otherwise username and password use basic auth.
func NewJiraClient(ctx context.Context, cfg *model.TrackerConfig, opts Options) (Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: tracker URL is not configured", types.ErrIntegrationFailure)
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: invalid tracker URL: %w", types.ErrIntegrationFailure, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = types.DefaultHTTPTimeout
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	var httpClient *http.Client
	switch {
	case cfg.Token != "":
		base := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: opts.Timeout})
		httpClient = oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	case cfg.Username != "":
		tp := jira.BasicAuthTransport{Username: cfg.Username, Password: cfg.Password}
		httpClient = tp.Client()
	default:
		return nil, fmt.Errorf("%w: tracker credentials are not configured", types.ErrIntegrationFailure)
	}
	httpClient.Timeout = opts.Timeout

	client, err := jira.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating tracker client: %w", types.ErrIntegrationFailure, err)
	}
	return &jiraClient{client: client, limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst)}, nil
}

func (c *jiraClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", types.ErrIntegrationFailure, err)
	}
	return nil
}

func wrapJira(op string, resp *jira.Response, err error) error {
	if resp != nil {
		err = jira.NewJiraError(resp, err)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrIntegrationFailure, op, err)
}

func (c *jiraClient) CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	payload := &jira.Issue{Fields: &jira.IssueFields{
		Project:     jira.Project{Key: req.ProjectKey},
		Type:        jira.IssueType{Name: req.IssueType},
		Priority:    &jira.Priority{Name: req.Priority},
		Summary:     req.Summary,
		Description: req.Description,
	}}
	created, resp, err := c.client.Issue.CreateWithContext(ctx, payload)
	if err != nil {
		return nil, wrapJira("error creating issue", resp, err)
	}

	issue := &Issue{Key: created.Key}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	full, resp, err := c.client.Issue.GetWithContext(ctx, created.Key, nil)
	if err != nil {
		return nil, wrapJira("error reading issue "+created.Key, resp, err)
	}
	if full.Fields != nil && full.Fields.Status != nil {
		issue.Status = full.Fields.Status.Name
	}
	return issue, nil
}

func (c *jiraClient) AddAttachment(ctx context.Context, issueKey, filename string, r io.Reader) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.client.Issue.PostAttachmentWithContext(ctx, issueKey, r, filename)
	if err != nil {
		return wrapJira("error attaching "+filename, resp, err)
	}
	return nil
}

func (c *jiraClient) AssignIssue(ctx context.Context, issueKey, user string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	resp, err := c.client.Issue.UpdateAssigneeWithContext(ctx, issueKey, &jira.User{Name: user})
	if err != nil {
		return wrapJira("error assigning "+issueKey, resp, err)
	}
	return nil
}

type groupPicker struct {
	Groups []struct {
		Name string `json:"name"`
	} `json:"groups"`
}

func (c *jiraClient) ListGroups(ctx context.Context) ([]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.client.NewRequestWithContext(ctx, http.MethodGet, "rest/api/2/groups/picker?maxResults=1000", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating request: %w", types.ErrIntegrationFailure, err)
	}
	var picked groupPicker
	resp, err := c.client.Do(req, &picked)
	if err != nil {
		return nil, wrapJira("error listing groups", resp, err)
	}
	names := make([]string, 0, len(picked.Groups))
	for _, g := range picked.Groups {
		names = append(names, g.Name)
	}
	return names, nil
}

func (c *jiraClient) GroupMembers(ctx context.Context, group string) ([]Member, error) {
	var members []Member
	for start := 0; ; {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, resp, err := c.client.Group.GetWithOptionsWithContext(ctx, group, &jira.GroupSearchOptions{
			StartAt:    start,
			MaxResults: membersPageSize,
		})
		if err != nil {
			return nil, wrapJira("error listing members of "+group, resp, err)
		}
		for _, m := range page {
			if !m.Active {
				continue
			}
			members = append(members, Member{Name: m.Name, DisplayName: m.DisplayName, Email: m.EmailAddress})
		}
		if len(page) < membersPageSize {
			return members, nil
		}
		start += len(page)
	}
}
