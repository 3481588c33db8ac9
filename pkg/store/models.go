package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nat64check/zaphod/pkg/scoring"
)

// Message severity levels. The numeric values follow syslog-style
// ordering so "most severe first" is a simple descending sort.
const (
	SeverityCritical = 50
	SeverityError    = 40
	SeverityWarning  = 30
	SeverityInfo     = 20
	SeverityDebug    = 10
)

// Marvin instance types. The dual-stack type doubles as the analysis
// baseline.
const (
	InstanceTypeDualStack = "dual-stack"
	InstanceTypeV4Only    = "v4only"
	InstanceTypeV6Only    = "v6only"
	InstanceTypeNAT64     = "nat64"
)

// InstanceTypes lists all known Marvin instance types.
var InstanceTypes = []string{
	InstanceTypeDualStack,
	InstanceTypeV4Only,
	InstanceTypeV6Only,
	InstanceTypeNAT64,
}

// Message sources for instance run messages.
const (
	SourceLocal    = "local"
	SourceTrillian = "trillian"
)

// Trillian is a remote test-runner node.
type Trillian struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	Hostname string `gorm:"uniqueIndex;not null" json:"hostname"`
	Token    string `gorm:"not null" json:"-"`
	Country  string `json:"country"`
	Version  string `json:"version"`

	IsAlive   bool       `json:"is_alive"`
	FirstSeen time.Time  `gorm:"autoCreateTime" json:"first_seen"`
	LastSeen  *time.Time `json:"last_seen"`
}

// Marvin is a browser-automation client on a Trillian, bound to one
// network configuration (instance type).
type Marvin struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TrillianID uint   `gorm:"not null;uniqueIndex:idx_marvins_trillian_name" json:"trillian_id"`
	Name       string `gorm:"not null;uniqueIndex:idx_marvins_trillian_name" json:"name"`

	Type         string `json:"type"`
	BrowserName  string `json:"browser_name"`
	InstanceType string `gorm:"index;not null" json:"instance_type"`

	FirstSeen time.Time `gorm:"autoCreateTime" json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// TestRun is one logical cross-network-type test of a single URL.
type TestRun struct {
	ID  uint   `gorm:"primaryKey" json:"id"`
	URL string `gorm:"index;not null" json:"url"`

	Requested time.Time  `gorm:"index;not null" json:"requested"`
	Started   *time.Time `gorm:"index" json:"started"`
	Finished  *time.Time `gorm:"index" json:"finished"`
	Analysed  *time.Time `gorm:"index" json:"analysed"`

	IsPublic bool `json:"is_public"`

	ImageScore    *float64 `gorm:"index" json:"image_score"`
	ImageFeedback string   `json:"image_feedback"`

	ResourceScore    *float64 `gorm:"index" json:"resource_score"`
	ResourceFeedback string   `json:"resource_feedback"`

	OverallScore    *float64 `gorm:"index" json:"overall_score"`
	OverallFeedback string   `json:"overall_feedback"`
}

// TestRunAverage holds per-instance-type average scores for a test run.
type TestRunAverage struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	TestRunID    uint   `gorm:"not null;uniqueIndex:idx_testrun_averages_run_type" json:"testrun_id"`
	InstanceType string `gorm:"not null;uniqueIndex:idx_testrun_averages_run_type" json:"instance_type"`

	ImageScore    *float64 `json:"image_score"`
	ResourceScore *float64 `json:"resource_score"`
	OverallScore  *float64 `json:"overall_score"`
}

// TestRunMessage is a severity-tagged diagnostic attached to a test run.
type TestRunMessage struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	TestRunID uint   `gorm:"index;not null" json:"testrun_id"`
	Severity  int    `gorm:"not null" json:"severity"`
	Message   string `gorm:"size:200;not null" json:"message"`
}

// InstanceRun is one Trillian's execution of a TestRun.
type InstanceRun struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	TestRunID  uint `gorm:"not null;uniqueIndex:idx_instanceruns_testrun_trillian" json:"testrun_id"`
	TrillianID uint `gorm:"not null;uniqueIndex:idx_instanceruns_testrun_trillian" json:"trillian_id"`

	// TrillianURL is the remote resource URL once the Trillian has
	// accepted the delegated work. Empty means not yet delegated or
	// already cleaned up.
	TrillianURL string `json:"trillian_url"`

	Started  *time.Time `gorm:"index" json:"started"`
	Finished *time.Time `gorm:"index" json:"finished"`
	Analysed *time.Time `gorm:"index" json:"analysed"`

	// DNSResults holds the resolved addresses as a JSON string list.
	DNSResults string `gorm:"type:text" json:"-"`

	ImageScore    *float64 `gorm:"index" json:"image_score"`
	ImageFeedback string   `json:"image_feedback"`

	ResourceScore    *float64 `gorm:"index" json:"resource_score"`
	ResourceFeedback string   `json:"resource_feedback"`

	OverallScore    *float64 `gorm:"index" json:"overall_score"`
	OverallFeedback string   `json:"overall_feedback"`
}

// SetDNSResults stores the resolved addresses.
func (r *InstanceRun) SetDNSResults(addresses []string) error {
	data, err := json.Marshal(addresses)
	if err != nil {
		return fmt.Errorf("encoding dns results: %w", err)
	}

	r.DNSResults = string(data)

	return nil
}

// GetDNSResults returns the resolved addresses.
func (r *InstanceRun) GetDNSResults() ([]string, error) {
	if r.DNSResults == "" {
		return nil, nil
	}

	var addresses []string
	if err := json.Unmarshal([]byte(r.DNSResults), &addresses); err != nil {
		return nil, fmt.Errorf("decoding dns results: %w", err)
	}

	return addresses, nil
}

// InstanceRunMessage is a severity-tagged diagnostic attached to an
// instance run, either produced locally or reported by the Trillian.
type InstanceRunMessage struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	InstanceRunID uint   `gorm:"index;not null" json:"instancerun_id"`
	Source        string `gorm:"size:10;not null;default:local" json:"source"`
	Severity      int    `gorm:"not null" json:"severity"`
	Message       string `gorm:"size:200;not null" json:"message"`
}

// InstanceRunResult is one Marvin's probe data within an InstanceRun.
type InstanceRunResult struct {
	ID            uint `gorm:"primaryKey" json:"id"`
	InstanceRunID uint `gorm:"not null;uniqueIndex:idx_results_run_marvin" json:"instancerun_id"`
	MarvinID      uint `gorm:"not null;uniqueIndex:idx_results_run_marvin" json:"marvin_id"`

	When     time.Time  `gorm:"not null" json:"when"`
	Analysed *time.Time `gorm:"index" json:"analysed"`

	PingResponse string `gorm:"type:text" json:"ping_response"`
	WebResponse  string `gorm:"type:text" json:"web_response"`

	ImageScore    *float64 `gorm:"index" json:"image_score"`
	ImageFeedback string   `json:"image_feedback"`

	ResourceScore    *float64 `gorm:"index" json:"resource_score"`
	ResourceFeedback string   `json:"resource_feedback"`

	OverallScore    *float64 `gorm:"index" json:"overall_score"`
	OverallFeedback string   `json:"overall_feedback"`
}

// WebProbe is the decoded web probe payload of a result.
type WebProbe struct {
	// Image is the base64-encoded screenshot (PNG or JPEG).
	Image string `json:"image"`

	// Resources lists the sub-resource fetch outcomes.
	Resources []scoring.Resource `json:"resources"`
}

// WebProbe decodes the raw web probe payload.
func (r *InstanceRunResult) WebProbe() (*WebProbe, error) {
	var probe WebProbe
	if err := json.Unmarshal([]byte(r.WebResponse), &probe); err != nil {
		return nil, fmt.Errorf("decoding web response: %w", err)
	}

	return &probe, nil
}

// SetWebProbe encodes and stores a web probe payload.
func (r *InstanceRunResult) SetWebProbe(probe *WebProbe) error {
	data, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("encoding web response: %w", err)
	}

	r.WebResponse = string(data)

	return nil
}
