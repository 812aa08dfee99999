// Package nodeapi is the HTTP client for a storage node's local
// management API. One Client per node base URL; endpoints that keep
// failing permanently are disabled for the rest of the session so a
// downgraded or misconfigured node cannot spam every poll cycle.
package nodeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	maxPermanentFailures = 3
	permanentLogEvery    = time.Hour
	maxResponseBytes     = 8 << 20
)

// TransientError marks failures worth retrying next cycle: network
// errors, timeouts, 5xx and 429 responses, undecodable bodies.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks responses that will not improve by retrying
// (4xx other than 429). After maxPermanentFailures on one endpoint the
// endpoint is disabled for the session.
type PermanentError struct {
	Node       string
	Endpoint   string
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("nodeapi: %s: %s returned status %d", e.Node, e.Endpoint, e.StatusCode)
}

// ErrEndpointDisabled is returned without touching the network for
// endpoints disabled after repeated permanent failures.
var ErrEndpointDisabled = errors.New("nodeapi: endpoint disabled after repeated permanent failures")

// IsTransient reports whether err should be swallowed for the cycle and
// retried on the next one.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a permanent API failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// endpointState tracks permanent-failure bookkeeping per endpoint.
type endpointState struct {
	permanentFailures int
	disabled          bool
	lastLog           time.Time
}

// Client talks to one node's management API.
type Client struct {
	node string
	base string
	http *http.Client

	mu        sync.Mutex
	endpoints map[string]*endpointState
	now       func() time.Time
}

// New creates a client for the node's API at baseURL (for example
// "http://192.168.1.10:14002").
func New(node, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		node:      node,
		base:      strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
	}
}

// Node returns the node name this client belongs to.
func (c *Client) Node() string { return c.node }

// DiskSpace is the storage block of the dashboard payload. Byte values.
type DiskSpace struct {
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
	Trash     int64 `json:"trash"`
	Overused  int64 `json:"overused"`
}

// DashboardSatellite is one satellite the node is registered with.
type DashboardSatellite struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Disqualified *time.Time `json:"disqualified"`
	Suspended    *time.Time `json:"suspended"`
}

// Dashboard is the GET /api/sno payload.
type Dashboard struct {
	NodeID     string               `json:"nodeID"`
	StartedAt  time.Time            `json:"startedAt"`
	DiskSpace  DiskSpace            `json:"diskSpace"`
	Satellites []DashboardSatellite `json:"satellites"`
}

// SatelliteAudit carries one satellite's reputation scores, 0..1 as the
// node reports them; callers normalize to percentages.
type SatelliteAudit struct {
	AuditScore      float64 `json:"auditScore"`
	SuspensionScore float64 `json:"suspensionScore"`
	OnlineScore     float64 `json:"onlineScore"`
	SatelliteName   string  `json:"satelliteName"`
}

// Satellites is the GET /api/sno/satellites payload (fleet rollup).
type Satellites struct {
	StorageSummary   float64          `json:"storageSummary"`
	BandwidthSummary int64            `json:"bandwidthSummary"`
	EgressSummary    int64            `json:"egressSummary"`
	IngressSummary   int64            `json:"ingressSummary"`
	EarliestJoinedAt time.Time        `json:"earliestJoinedAt"`
	Audits           []SatelliteAudit `json:"audits"`
}

// AuditWindow is one audit-history window with its counts.
type AuditWindow struct {
	WindowStart time.Time `json:"windowStart"`
	TotalCount  int64     `json:"totalCount"`
	OnlineCount int64     `json:"onlineCount"`
}

// AuditHistory is the windowed audit record of one satellite.
type AuditHistory struct {
	Score   float64       `json:"score"`
	Windows []AuditWindow `json:"windows"`
}

// StorageUsage is one day of at-rest usage. AtRestTotal is byte-hours.
type StorageUsage struct {
	AtRestTotal   float64   `json:"atRestTotal"`
	IntervalStart time.Time `json:"intervalStart"`
}

// Egress splits served bytes by traffic class.
type Egress struct {
	Repair int64 `json:"repair"`
	Audit  int64 `json:"audit"`
	Usage  int64 `json:"usage"`
}

// Ingress splits received bytes by traffic class.
type Ingress struct {
	Repair int64 `json:"repair"`
	Usage  int64 `json:"usage"`
}

// BandwidthUsage is one day of bandwidth per satellite.
type BandwidthUsage struct {
	Egress        Egress    `json:"egress"`
	Ingress       Ingress   `json:"ingress"`
	Delete        int64     `json:"delete"`
	IntervalStart time.Time `json:"intervalStart"`
}

// SatelliteDetail is the GET /api/sno/satellite/{id} payload.
type SatelliteDetail struct {
	ID             string           `json:"id"`
	JoinDate       time.Time        `json:"joinDate"`
	Audits         SatelliteAudit   `json:"audits"`
	AuditHistory   AuditHistory     `json:"auditHistory"`
	StorageDaily   []StorageUsage   `json:"storageDaily"`
	BandwidthDaily []BandwidthUsage `json:"bandwidthDaily"`
}

// PayoutBreakdown is one month's estimate. Byte counts for bandwidth,
// byte-hours for disk space, dollars for the payout fields.
type PayoutBreakdown struct {
	EgressBandwidth         int64   `json:"egressBandwidth"`
	EgressBandwidthPayout   float64 `json:"egressBandwidthPayout"`
	EgressRepairAudit       int64   `json:"egressRepairAudit"`
	EgressRepairAuditPayout float64 `json:"egressRepairAuditPayout"`
	DiskSpace               float64 `json:"diskSpace"`
	DiskSpacePayout         float64 `json:"diskSpacePayout"`
	Held                    float64 `json:"held"`
	Payout                  float64 `json:"payout"`
}

// EstimatedPayout is the GET /api/sno/estimated-payout payload.
type EstimatedPayout struct {
	CurrentMonth             PayoutBreakdown `json:"currentMonth"`
	PreviousMonth            PayoutBreakdown `json:"previousMonth"`
	CurrentMonthExpectations float64         `json:"currentMonthExpectations"`
}

// Dashboard fetches the node overview: identity, disk space, satellite
// registrations with disqualification state.
func (c *Client) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	if err := c.get(ctx, "/api/sno", "/api/sno", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Satellites fetches the per-satellite reputation rollup.
func (c *Client) Satellites(ctx context.Context) (*Satellites, error) {
	var s Satellites
	if err := c.get(ctx, "/api/sno/satellites", "/api/sno/satellites", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Satellite fetches one satellite's detail: join date, audit history,
// daily storage and bandwidth.
func (c *Client) Satellite(ctx context.Context, id string) (*SatelliteDetail, error) {
	var d SatelliteDetail
	if err := c.get(ctx, "/api/sno/satellite", "/api/sno/satellite/"+id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// EstimatedPayout fetches the node's own payout estimate.
func (c *Client) EstimatedPayout(ctx context.Context) (*EstimatedPayout, error) {
	var p EstimatedPayout
	if err := c.get(ctx, "/api/sno/estimated-payout", "/api/sno/estimated-payout", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// get performs one request. endpoint is the route template used for
// disable bookkeeping (id-free); path is the concrete request path.
func (c *Client) get(ctx context.Context, endpoint, path string, out any) error {
	if c.isDisabled(endpoint) {
		return ErrEndpointDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("nodeapi: %s: build request %s: %w", c.node, path, err)}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("nodeapi: %s: %s: %w", c.node, path, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("nodeapi: %s: %s: status %d", c.node, path, resp.StatusCode)}
	default:
		return c.recordPermanent(endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("nodeapi: %s: read %s: %w", c.node, path, err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransientError{Err: fmt.Errorf("nodeapi: %s: decode %s: %w", c.node, path, err)}
	}
	return nil
}

func (c *Client) isDisabled(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.endpoints[endpoint]
	return st != nil && st.disabled
}

// recordPermanent counts a permanent failure, logging at most once per
// endpoint per hour and disabling the endpoint after the third strike.
func (c *Client) recordPermanent(endpoint string, status int) error {
	c.mu.Lock()
	st := c.endpoints[endpoint]
	if st == nil {
		st = &endpointState{}
		c.endpoints[endpoint] = st
	}
	st.permanentFailures++
	failures := st.permanentFailures
	now := c.now()
	shouldLog := now.Sub(st.lastLog) >= permanentLogEvery
	if shouldLog {
		st.lastLog = now
	}
	justDisabled := !st.disabled && failures >= maxPermanentFailures
	if justDisabled {
		st.disabled = true
	}
	c.mu.Unlock()

	if shouldLog {
		log.Printf("[nodeapi] %s: %s returned %d (permanent failure %d/%d)",
			c.node, endpoint, status, failures, maxPermanentFailures)
	}
	if justDisabled {
		log.Printf("[nodeapi] %s: disabling %s for this session", c.node, endpoint)
	}
	return &PermanentError{Node: c.node, Endpoint: endpoint, StatusCode: status}
}
