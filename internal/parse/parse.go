// Package parse converts storagenode log lines into typed variants:
// traffic events, hashstore compaction begin/end markers, and available
// space hints. Lines that match none of the recognized shapes are
// dropped; malformed lines are counted.
package parse

import (
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nodepulse/nodepulse/internal/model"
)

// Kind discriminates parsed line variants.
type Kind int

const (
	KindTraffic Kind = iota + 1
	KindCompactionBegin
	KindCompactionEnd
	KindStorageHint
)

// Line is one parsed log line. Kind selects which fields are set.
type Line struct {
	Kind Kind

	// KindTraffic
	Traffic model.TrafficEvent

	// KindCompactionBegin and KindCompactionEnd
	Compaction model.CompactionKey
	Timestamp  time.Time
	End        CompactionEndStats

	// KindStorageHint
	AvailableBytes int64
}

// CompactionEndStats carries the statistics a finished-compaction line
// declares. DeclaredDurationSeconds is used when no matching begin was
// observed.
type CompactionEndStats struct {
	DeclaredDurationSeconds float64
	DataReclaimedBytes      int64
	DataRewrittenBytes      int64
	TableLoad               float64
	TrashPercent            float64
}

// Location is the geo annotation attached to traffic events.
type Location struct {
	Country   string
	Latitude  float64
	Longitude float64
}

// LocationResolver supplies locations for remote hosts. Implementations
// must not block: a cache miss returns ok=false and may schedule a
// background lookup for later lines.
type LocationResolver interface {
	Resolve(host string) (Location, bool)
}

// Log sources recognized by the parser.
const (
	sourcePiecestore = "piecestore"
	sourceHashstore  = "hashstore"
)

// Piecestore status verbs.
const (
	verbDownloaded       = "downloaded"
	verbUploaded         = "uploaded"
	verbDownloadFailed   = "download failed"
	verbUploadFailed     = "upload failed"
	verbDownloadCanceled = "download canceled"
	verbUploadCanceled   = "upload canceled"
	verbDownloadStarted  = "download started"
	verbUploadStarted    = "upload started"
)

// Hashstore status verbs.
const (
	verbCompactionBegin = "beginning compaction"
	verbCompactionEnd   = "finished compaction"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
}

// Parser turns log lines into Line variants. Safe for concurrent use;
// each node's tailer runs its own goroutine through a shared Parser.
type Parser struct {
	resolver  LocationResolver
	malformed *xsync.Counter
}

// New returns a Parser. resolver may be nil, in which case events carry
// no location.
func New(resolver LocationResolver) *Parser {
	return &Parser{
		resolver:  resolver,
		malformed: xsync.NewCounter(),
	}
}

// Malformed returns the number of lines rejected so far.
func (p *Parser) Malformed() int64 {
	return p.malformed.Value()
}

// payload is the JSON half of a log line. Key casing follows the
// storagenode logger; compaction stats appear under both spaced and
// camelCase spellings depending on node version.
type payload struct {
	Action         string          `json:"Action"`
	PieceID        string          `json:"Piece ID"`
	SatelliteID    string          `json:"Satellite ID"`
	Size           int64           `json:"Size"`
	RemoteAddress  string          `json:"Remote Address"`
	Error          string          `json:"error"`
	Duration       json.RawMessage `json:"duration"`
	AvailableSpace *int64          `json:"Available Space"`

	Satellite       string          `json:"satellite"`
	Store           string          `json:"store"`
	DataReclaimed   int64           `json:"data reclaimed"`
	DataReclaimedCC int64           `json:"dataReclaimed"`
	DataRewritten   int64           `json:"data rewritten"`
	DataRewrittenCC int64           `json:"dataRewritten"`
	TableLoad       float64         `json:"table load"`
	TableLoadCC     float64         `json:"tableLoad"`
	TrashPercent    float64         `json:"trash percent"`
	TrashPercentCC  float64         `json:"trashPercent"`
}

// Parse converts one log line for nodeName. ok is false when the line
// carries nothing of interest; truly malformed lines are also counted.
func (p *Parser) Parse(nodeName, line string) (Line, bool) {
	fields := strings.SplitN(line, "\t", 5)
	if len(fields) < 5 {
		p.malformed.Inc()
		return Line{}, false
	}

	ts, err := parseTimestamp(fields[0])
	if err != nil {
		p.malformed.Inc()
		return Line{}, false
	}
	source := strings.TrimSpace(fields[2])
	status := strings.TrimSpace(fields[3])

	var pl payload
	if err := json.Unmarshal([]byte(fields[4]), &pl); err != nil {
		p.malformed.Inc()
		return Line{}, false
	}

	switch source {
	case sourcePiecestore:
		return p.parsePiecestore(nodeName, ts, status, &pl)
	case sourceHashstore:
		return parseHashstore(nodeName, ts, status, &pl)
	default:
		return Line{}, false
	}
}

func (p *Parser) parsePiecestore(nodeName string, ts time.Time, status string, pl *payload) (Line, bool) {
	var eventStatus string
	switch status {
	case verbDownloaded, verbUploaded:
		eventStatus = model.StatusSuccess
	case verbDownloadFailed, verbUploadFailed:
		eventStatus = model.StatusFailed
	case verbDownloadCanceled, verbUploadCanceled:
		eventStatus = model.StatusCanceled
	case verbDownloadStarted, verbUploadStarted:
		if pl.AvailableSpace == nil {
			return Line{}, false
		}
		return Line{Kind: KindStorageHint, Timestamp: ts, AvailableBytes: *pl.AvailableSpace}, true
	default:
		return Line{}, false
	}

	action := pl.Action
	if action == "" {
		// The verb implies the direction when the payload omits Action.
		if strings.HasPrefix(status, "download") || status == verbDownloaded {
			action = model.ActionGet
		} else {
			action = model.ActionPut
		}
	}

	size := pl.Size
	if size < 0 {
		size = 0
	}

	ev := model.TrafficEvent{
		Timestamp:   ts,
		Action:      action,
		Status:      eventStatus,
		Size:        size,
		PieceID:     pl.PieceID,
		SatelliteID: pl.SatelliteID,
		ErrorReason: pl.Error,
		NodeName:    nodeName,
		DurationMs:  durationMs(pl.Duration),
		Category:    model.Categorize(action),
	}

	if host := remoteHost(pl.RemoteAddress); host != "" {
		ev.RemoteIP = host
		if p.resolver != nil {
			if loc, ok := p.resolver.Resolve(host); ok {
				ev.Country = loc.Country
				ev.Latitude = loc.Latitude
				ev.Longitude = loc.Longitude
				ev.HasLocation = true
			}
		}
	}

	return Line{Kind: KindTraffic, Traffic: ev}, true
}

func parseHashstore(nodeName string, ts time.Time, status string, pl *payload) (Line, bool) {
	satellite := pl.Satellite
	if satellite == "" {
		satellite = pl.SatelliteID
	}
	key := model.CompactionKey{NodeName: nodeName, Satellite: satellite, Store: pl.Store}

	switch status {
	case verbCompactionBegin:
		return Line{Kind: KindCompactionBegin, Compaction: key, Timestamp: ts}, true
	case verbCompactionEnd:
		var declared float64
		if ms := durationMs(pl.Duration); ms >= 0 {
			declared = float64(ms) / 1000
		}
		return Line{
			Kind:       KindCompactionEnd,
			Compaction: key,
			Timestamp:  ts,
			End: CompactionEndStats{
				DeclaredDurationSeconds: declared,
				DataReclaimedBytes:      pick(pl.DataReclaimed, pl.DataReclaimedCC),
				DataRewrittenBytes:      pick(pl.DataRewritten, pl.DataRewrittenCC),
				TableLoad:               pickFloat(pl.TableLoad, pl.TableLoadCC),
				TrashPercent:            pickFloat(pl.TrashPercent, pl.TrashPercentCC),
			},
		}, true
	default:
		return Line{}, false
	}
}

// parseTimestamp normalizes to UTC at microsecond precision.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Truncate(time.Microsecond), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// durationMs decodes the payload duration, which appears either as a Go
// duration string ("1.2s") or a float number of seconds. Absent or
// undecodable durations return -1.
func durationMs(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return -1
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return -1
		}
		return d.Milliseconds()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f * 1000)
	}
	return -1
}

// remoteHost strips the port from a remote address, tolerating bare
// hosts and bracketed IPv6.
func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func pick(spaced, camel int64) int64 {
	if spaced != 0 {
		return spaced
	}
	return camel
}

func pickFloat(spaced, camel float64) float64 {
	if spaced != 0 {
		return spaced
	}
	return camel
}
