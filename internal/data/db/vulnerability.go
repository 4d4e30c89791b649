package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/severity"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// ErrAlreadyRemediated is returned when remediating a vulnerability twice.
var ErrAlreadyRemediated = errors.New("vulnerability already remediated")

// NormalizeResult lists the vulnerability ids touched by one Normalize call.
type NormalizeResult struct {
	Created []uint
	Updated []uint
}

// SummaryFilter scopes Summaries. Exactly one of OrganizationID and ApplicationID is expected.
type SummaryFilter struct {
	OrganizationID uint
	ApplicationID  uint
	// Closed selects remediated vulnerabilities instead of open ones.
	Closed bool
}

// VulnerabilityManager defines the normalization and triage operations on vulnerabilities.
type VulnerabilityManager interface {
	Normalize(ctx context.Context, scan *model.Scan, tool string, findings []types.Finding, now time.Time) (*NormalizeResult, error)
	Get(ctx context.Context, id uint) (*model.Vulnerability, error)
	MarkFalsePositive(ctx context.Context, id uint, falsePositive bool) error
	Remediate(ctx context.Context, id uint, by, description string, now time.Time) error
	OpenMatches(ctx context.Context, applicationID uint, name string, cwe int) ([]model.Vulnerability, error)
	StampTicket(ctx context.Context, ids []uint, key, status string) error
	Summaries(ctx context.Context, filter SummaryFilter, now time.Time) ([]model.CategorySummary, error)
}

// GormVulnerabilityManager implements VulnerabilityManager using a GORM DB connection.
type GormVulnerabilityManager struct {
	db *gorm.DB
}

// NewGormVulnerabilityManager creates a new GormVulnerabilityManager.
func NewGormVulnerabilityManager(db *gorm.DB) (*GormVulnerabilityManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &GormVulnerabilityManager{db: db}, nil
}

// Normalize merges findings into the application's vulnerabilities in one transaction.
//
// A finding matches the non-remediated vulnerability with the same application, CWE and
// name, false positives included. A match keeps OpenSince and its false-positive flag and
// takes LastSeen, ScanID, tool and confidence from the finding; unseen evidence is appended.
// Anything else becomes a new vulnerability open since now. The scan's tool and tool
// version are saved in the same transaction.
func (manager *GormVulnerabilityManager) Normalize(ctx context.Context, scan *model.Scan, tool string, findings []types.Finding, now time.Time) (*NormalizeResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	if scan == nil {
		return nil, fmt.Errorf("scan cannot be nil")
	}
	logger := log.NewLogger(ctx)
	logger.Debug("Normalize", zap.String("scan", scan.Name), zap.String("tool", tool), zap.Int("findings", len(findings)))

	result := &NormalizeResult{}
	err := manager.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(scan).Updates(map[string]interface{}{"tool": tool, "tool_version": scan.ToolVersion}).Error
		if err != nil {
			return fmt.Errorf("error updating scan tool: %w", err)
		}
		scan.Tool = tool

		seen := map[uint]bool{}
		for i := range findings {
			f := &findings[i]
			if f.Tool == "" {
				f.Tool = tool
			}
			id, created, err := upsertFinding(tx, scan, f, now)
			if err != nil {
				return fmt.Errorf("error normalizing finding %q (cwe %d): %w", f.Name, f.CWE, err)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			if created {
				result.Created = append(result.Created, id)
			} else {
				result.Updated = append(result.Updated, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}
	logger.Info("normalized findings", zap.String("scan", scan.Name), zap.Int("created", len(result.Created)), zap.Int("updated", len(result.Updated)))
	return result, nil
}

func findOpen(tx *gorm.DB, applicationID uint, cwe int, name string) (*model.Vulnerability, error) {
	var v model.Vulnerability
	err := tx.Where("application_id = ? AND cwe = ? AND name = ? AND is_remediated = ?", applicationID, cwe, name, false).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// upsertFinding returns the id of the matched or created vulnerability.
func upsertFinding(tx *gorm.DB, scan *model.Scan, f *types.Finding, now time.Time) (uint, bool, error) {
	existing, err := findOpen(tx, scan.ApplicationID, f.CWE, f.Name)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		cvss := severity.Score(f.CVSS, f.Severity)
		v := model.Vulnerability{
			ApplicationID: scan.ApplicationID,
			ScanID:        scan.ID,
			Name:          f.Name,
			CWE:           f.CWE,
			Description:   f.Description,
			Remediation:   f.Remediation,
			Tool:          f.Tool,
			Confidence:    f.Confidence,
			VulType:       f.VulType,
			OWASP:         f.OWASP,
			CVSS:          cvss,
			Severity:      int(severity.FromCVSS(cvss)),
			OpenSince:     now,
			LastSeen:      now,
			Evidences:     toEvidence(f.Evidences, nil),
		}
		// A concurrent ingestion may create the same identity first; the partial
		// unique index rejects ours and the row is merged instead.
		if err := tx.SavePoint("vul_create").Error; err != nil {
			return 0, false, err
		}
		createErr := tx.Create(&v).Error
		if createErr == nil {
			return v.ID, true, nil
		}
		if err := tx.RollbackTo("vul_create").Error; err != nil {
			return 0, false, errors.Join(createErr, err)
		}
		existing, err = findOpen(tx, scan.ApplicationID, f.CWE, f.Name)
		if err != nil || existing == nil {
			return 0, false, errors.Join(createErr, err)
		}
	}

	updates := map[string]interface{}{
		"last_seen": now,
		"scan_id":   scan.ID,
		"tool":      f.Tool,
	}
	if f.Confidence != "" {
		updates["confidence"] = f.Confidence
	}
	if err := tx.Model(existing).Updates(updates).Error; err != nil {
		return 0, false, err
	}

	var current []model.VulnerabilityEvidence
	if err := tx.Where("vulnerability_id = ?", existing.ID).Find(&current).Error; err != nil {
		return 0, false, err
	}
	if fresh := toEvidence(f.Evidences, current); len(fresh) > 0 {
		for i := range fresh {
			fresh[i].VulnerabilityID = existing.ID
		}
		if err := tx.Create(&fresh).Error; err != nil {
			return 0, false, err
		}
	}
	return existing.ID, false, nil
}

type evidenceKey struct{ url, name, param string }

// toEvidence converts evidences, dropping those already in current or repeated.
func toEvidence(in []types.Evidence, current []model.VulnerabilityEvidence) []model.VulnerabilityEvidence {
	seen := make(map[evidenceKey]bool, len(current)+len(in))
	for _, e := range current {
		seen[evidenceKey{e.URL, e.Name, e.Param}] = true
	}
	var out []model.VulnerabilityEvidence
	for _, e := range in {
		k := evidenceKey{e.URL, e.Name, e.Param}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, model.VulnerabilityEvidence{
			URL:      e.URL,
			Name:     e.Name,
			Param:    e.Param,
			Request:  e.Request,
			Response: e.Response,
			Log:      e.Log,
			Image:    e.Image,
		})
	}
	return out
}

// Get retrieves a vulnerability with its evidences and remediation record.
func (manager *GormVulnerabilityManager) Get(ctx context.Context, id uint) (*model.Vulnerability, error) {
	var v model.Vulnerability
	err := manager.db.WithContext(ctx).Preload("Evidences").Preload("RemediationRecord").First(&v, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("vulnerability %d: %w", id, types.ErrPersistenceNotFound)
		}
		return nil, fmt.Errorf("error retrieving vulnerability: %w", err)
	}
	return &v, nil
}

// MarkFalsePositive sets or clears the false-positive flag.
func (manager *GormVulnerabilityManager) MarkFalsePositive(ctx context.Context, id uint, falsePositive bool) error {
	res := manager.db.WithContext(ctx).Model(&model.Vulnerability{}).Where("id = ?", id).Update("is_false_positive", falsePositive)
	if res.Error != nil {
		return fmt.Errorf("error updating false positive flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("vulnerability %d: %w", id, types.ErrPersistenceNotFound)
	}
	return nil
}

// Remediate records a remediation and closes the vulnerability for good.
func (manager *GormVulnerabilityManager) Remediate(ctx context.Context, id uint, by, description string, now time.Time) error {
	logger := log.NewLogger(ctx)
	logger.Debug("Remediate", zap.Uint("id", id), zap.String("by", by))

	return manager.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v model.Vulnerability
		if err := tx.First(&v, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("vulnerability %d: %w", id, types.ErrPersistenceNotFound)
			}
			return fmt.Errorf("error retrieving vulnerability: %w", err)
		}
		if v.IsRemediated {
			return fmt.Errorf("vulnerability %d: %w", id, ErrAlreadyRemediated)
		}
		rec := model.VulnerabilityRemediation{VulnerabilityID: v.ID, RemediatedBy: by, Description: description, RemediatedOn: now}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("error creating remediation: %w", err)
		}
		if err := tx.Model(&v).Update("is_remediated", true).Error; err != nil {
			return fmt.Errorf("error closing vulnerability: %w", err)
		}
		return nil
	})
}

// OpenMatches returns the open, non-false-positive vulnerabilities of an application with
// the given name and CWE, with their evidences.
func (manager *GormVulnerabilityManager) OpenMatches(ctx context.Context, applicationID uint, name string, cwe int) ([]model.Vulnerability, error) {
	var vuls []model.Vulnerability
	err := manager.db.WithContext(ctx).Preload("Evidences").
		Where("application_id = ? AND name = ? AND cwe = ? AND is_remediated = ? AND is_false_positive = ?",
			applicationID, name, cwe, false, false).
		Order("id").Find(&vuls).Error
	if err != nil {
		return nil, fmt.Errorf("error finding open vulnerabilities: %w", err)
	}
	return vuls, nil
}

// StampTicket records the tracker issue on each vulnerability.
func (manager *GormVulnerabilityManager) StampTicket(ctx context.Context, ids []uint, key, status string) error {
	if len(ids) == 0 {
		return nil
	}
	err := manager.db.WithContext(ctx).Model(&model.Vulnerability{}).Where("id IN ?", ids).
		Updates(map[string]interface{}{"ticket_key": key, "ticket_status": status}).Error
	if err != nil {
		return fmt.Errorf("error stamping ticket %s: %w", key, err)
	}
	return nil
}

// Summaries groups open (or closed) vulnerabilities by CWE. False positives are not counted.
// A group is a potential false positive when one of its applications has ever had a record
// on that CWE marked false positive, remediated or not.
func (manager *GormVulnerabilityManager) Summaries(ctx context.Context, filter SummaryFilter, now time.Time) ([]model.CategorySummary, error) {
	q := manager.db.WithContext(ctx).Model(&model.Vulnerability{}).Preload("Evidences").
		Where("vulnerabilities.is_remediated = ?", filter.Closed)
	switch {
	case filter.ApplicationID != 0:
		q = q.Where("vulnerabilities.application_id = ?", filter.ApplicationID)
	case filter.OrganizationID != 0:
		q = q.Joins("JOIN applications ON applications.id = vulnerabilities.application_id").
			Where("applications.organization_id = ?", filter.OrganizationID)
	default:
		return nil, fmt.Errorf("summary filter needs an organization or an application")
	}
	var vuls []model.Vulnerability
	if err := q.Order("vulnerabilities.id").Find(&vuls).Error; err != nil {
		return nil, fmt.Errorf("error listing vulnerabilities: %w", err)
	}
	falsePos, err := manager.falsePositiveKeys(ctx, vuls)
	if err != nil {
		return nil, err
	}
	return summarize(vuls, falsePos, now), nil
}

// appCWE identifies a CWE within one application.
type appCWE struct {
	applicationID uint
	cwe           int
}

// falsePositiveKeys returns the (application, CWE) pairs among vuls that have any
// false-positive record.
func (manager *GormVulnerabilityManager) falsePositiveKeys(ctx context.Context, vuls []model.Vulnerability) (map[appCWE]bool, error) {
	keys := map[appCWE]bool{}
	if len(vuls) == 0 {
		return keys, nil
	}
	apps := map[uint]bool{}
	cwes := map[int]bool{}
	for _, v := range vuls {
		apps[v.ApplicationID] = true
		cwes[v.CWE] = true
	}
	appIDs := make([]uint, 0, len(apps))
	for id := range apps {
		appIDs = append(appIDs, id)
	}
	cweIDs := make([]int, 0, len(cwes))
	for c := range cwes {
		cweIDs = append(cweIDs, c)
	}

	var rows []struct {
		ApplicationID uint
		CWE           int
	}
	err := manager.db.WithContext(ctx).Model(&model.Vulnerability{}).
		Distinct("application_id", "cwe").
		Where("is_false_positive = ? AND application_id IN ? AND cwe IN ?", true, appIDs, cweIDs).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error listing false positives: %w", err)
	}
	for _, r := range rows {
		keys[appCWE{applicationID: r.ApplicationID, cwe: r.CWE}] = true
	}
	return keys, nil
}

type summaryAcc struct {
	sum       model.CategorySummary
	tools     map[string]bool
	instances map[string]bool
	tickets   map[string]bool
	urls      map[string]bool
	apps      map[uint]bool
}

func summarize(vuls []model.Vulnerability, falsePos map[appCWE]bool, now time.Time) []model.CategorySummary {
	groups := map[int]*summaryAcc{}
	var order []int
	for i := range vuls {
		v := &vuls[i]
		acc, ok := groups[v.CWE]
		if !ok {
			acc = &summaryAcc{
				sum:       model.CategorySummary{CWE: v.CWE},
				tools:     map[string]bool{},
				instances: map[string]bool{},
				tickets:   map[string]bool{},
				urls:      map[string]bool{},
				apps:      map[uint]bool{},
			}
			groups[v.CWE] = acc
			order = append(order, v.CWE)
		}
		if v.IsFalsePositive {
			continue
		}
		acc.apps[v.ApplicationID] = true
		s := &acc.sum
		if v.CVSS > s.CVSS || s.Name == "" {
			s.Name = v.Name
		}
		if v.CVSS > s.CVSS {
			s.CVSS = v.CVSS
		}
		if v.Severity > s.Severity {
			s.Severity = v.Severity
		}
		if d := v.OpenFor(now); d > s.OpenFor {
			s.OpenFor = d
		}
		acc.tools[v.Tool] = true
		acc.instances[fmt.Sprintf("%d|%s", v.ApplicationID, v.Name)] = true
		if v.TicketKey != "" && !acc.tickets[v.TicketKey] {
			acc.tickets[v.TicketKey] = true
			s.TicketKeys = append(s.TicketKeys, v.TicketKey)
			s.TicketStatuses = append(s.TicketStatuses, v.TicketStatus)
		}
		for _, e := range v.Evidences {
			if e.URL != "" && !acc.urls[e.URL] {
				acc.urls[e.URL] = true
				s.EvidenceURLs = append(s.EvidenceURLs, e.URL)
			}
		}
	}

	out := make([]model.CategorySummary, 0, len(order))
	for _, cwe := range order {
		acc := groups[cwe]
		if len(acc.instances) == 0 {
			continue
		}
		acc.sum.ToolCount = len(acc.tools)
		acc.sum.Instances = len(acc.instances)
		for app := range acc.apps {
			if falsePos[appCWE{applicationID: app, cwe: cwe}] {
				acc.sum.PotentialFalsePositive = true
				break
			}
		}
		out = append(out, acc.sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		if out[i].CVSS != out[j].CVSS {
			return out[i].CVSS > out[j].CVSS
		}
		return out[i].CWE < out[j].CWE
	})
	return out
}
