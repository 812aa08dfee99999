// Package stats builds per-view traffic summaries from the in-memory
// event window: outcome counters, size histograms, per-satellite and
// per-country breakdowns, templated failure reasons, hot pieces, and
// latency percentiles, rendered as payloads for the websocket hub.
package stats

import (
	"sort"
	"time"

	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodestate"
)

// Defaults applied by NewEngine when a zero value is passed.
const (
	DefaultWindow    = time.Hour
	DefaultTopPieces = 10
)

// liveWindow is the lookback for the instantaneous throughput figures.
const liveWindow = time.Minute

// Size-bucket labels for the transfer histograms, smallest first.
var sizeBucketLabels = [...]string{
	"<1KB", "1KB-4KB", "4KB-16KB", "16KB-64KB", "64KB-256KB", "256KB-1MB", ">1MB",
}

const numSizeBuckets = len(sizeBucketLabels)

// sizeBucket maps a transfer size to its histogram bucket. Buckets are
// half-open on the upper bound; the last one is unbounded.
func sizeBucket(size int64) int {
	switch {
	case size < 1<<10:
		return 0
	case size < 4<<10:
		return 1
	case size < 16<<10:
		return 2
	case size < 64<<10:
		return 3
	case size < 256<<10:
		return 4
	case size < 1<<20:
		return 5
	default:
		return 6
	}
}

// Engine owns the shared error-template cache and the window settings
// used to build view snapshots. One Engine serves every view; it is
// safe for concurrent use.
type Engine struct {
	window    time.Duration
	topPieces int
	templates *templateCache
}

// NewEngine returns an Engine covering a sliding window of the given
// length and reporting topPieces hot pieces per snapshot. Zero or
// negative arguments fall back to the defaults.
func NewEngine(window time.Duration, topPieces int) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if topPieces <= 0 {
		topPieces = DefaultTopPieces
	}
	return &Engine{
		window:    window,
		topPieces: topPieces,
		templates: newTemplateCache(templateCacheSize),
	}
}

// Window returns the sliding window length snapshots cover.
func (e *Engine) Window() time.Duration { return e.window }

// Collect folds the live window of every node into a fresh accumulator
// anchored at now.
func (e *Engine) Collect(nodes []*nodestate.Node, now time.Time) *ViewStats {
	vs := e.NewViewStats(now)
	cutoff := now.Add(-e.window)
	for _, n := range nodes {
		for _, ev := range n.Snapshot(cutoff) {
			vs.Add(ev)
		}
	}
	return vs
}

// ViewStats accumulates one view's events for a snapshot anchored at a
// fixed instant. Build one per snapshot; it is not safe for concurrent
// use.
type ViewStats struct {
	engine      *Engine
	windowStart time.Time
	windowEnd   time.Time
	liveCutoff  time.Time

	events        int64
	download      OpCounts
	upload        OpCounts
	audit         OpCounts
	downloadBytes int64
	uploadBytes   int64
	liveDownload  int64
	liveUpload    int64

	satellites map[string]*satelliteCounters
	countries  map[string]*countryBytes
	dlSizes    sizeHistogram
	ulSizes    sizeHistogram
	templates  map[string]*errorTemplate
	pieces     map[string]*pieceCounter
	latency    map[string][]float64
}

// NewViewStats returns an empty accumulator whose window ends at now.
// Add ignores events outside [now − window, now].
func (e *Engine) NewViewStats(now time.Time) *ViewStats {
	return &ViewStats{
		engine:      e,
		windowStart: now.Add(-e.window),
		windowEnd:   now,
		liveCutoff:  now.Add(-liveWindow),
		satellites:  make(map[string]*satelliteCounters),
		countries:   make(map[string]*countryBytes),
		templates:   make(map[string]*errorTemplate),
		pieces:      make(map[string]*pieceCounter),
		latency:     make(map[string][]float64),
	}
}

// OpCounts splits one traffic direction by outcome.
type OpCounts struct {
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
	Canceled int64 `json:"canceled"`
}

func (c *OpCounts) add(status string) {
	switch status {
	case model.StatusSuccess:
		c.Success++
	case model.StatusCanceled:
		c.Canceled++
	default:
		c.Failed++
	}
}

type satelliteCounters struct {
	uploads       int64
	downloads     int64
	audits        int64
	successes     int64
	uploadBytes   int64
	downloadBytes int64
}

type countryBytes struct {
	download int64
	upload   int64
}

type sizeHistogram struct {
	success [numSizeBuckets]int64
	fail    [numSizeBuckets]int64
}

func (h *sizeHistogram) add(size int64, status string) {
	switch status {
	case model.StatusSuccess:
		h.success[sizeBucket(size)]++
	case model.StatusFailed:
		h.fail[sizeBucket(size)]++
	}
}

type pieceCounter struct {
	count int64
	bytes int64
}

// Add folds one event into the accumulator. Events outside the window
// are dropped. Byte totals, histograms, and country traffic count
// successful transfers; failure reasons feed the template table.
func (vs *ViewStats) Add(ev model.TrafficEvent) {
	if ev.Timestamp.Before(vs.windowStart) || ev.Timestamp.After(vs.windowEnd) {
		return
	}
	vs.events++
	success := ev.Status == model.StatusSuccess
	live := !ev.Timestamp.Before(vs.liveCutoff)

	switch ev.Category {
	case model.CategoryGet, model.CategoryGetRepair:
		vs.download.add(ev.Status)
		vs.dlSizes.add(ev.Size, ev.Status)
		if success {
			vs.downloadBytes += ev.Size
			if live {
				vs.liveDownload += ev.Size
			}
			if ev.Country != "" {
				vs.country(ev.Country).download += ev.Size
			}
		}
	case model.CategoryPut, model.CategoryPutRepair:
		vs.upload.add(ev.Status)
		vs.ulSizes.add(ev.Size, ev.Status)
		if success {
			vs.uploadBytes += ev.Size
			if live {
				vs.liveUpload += ev.Size
			}
			if ev.Country != "" {
				vs.country(ev.Country).upload += ev.Size
			}
		}
	case model.CategoryAudit:
		vs.audit.add(ev.Status)
	}

	if ev.SatelliteID != "" {
		sat := vs.satellite(ev.SatelliteID)
		switch ev.Category {
		case model.CategoryGet, model.CategoryGetRepair:
			sat.downloads++
			if success {
				sat.downloadBytes += ev.Size
			}
		case model.CategoryPut, model.CategoryPutRepair:
			sat.uploads++
			if success {
				sat.uploadBytes += ev.Size
			}
		case model.CategoryAudit:
			sat.audits++
		}
		if success {
			sat.successes++
		}
	}

	if ev.Status == model.StatusFailed && ev.ErrorReason != "" {
		vs.recordError(ev.ErrorReason)
	}

	if ev.PieceID != "" {
		p := vs.pieces[ev.PieceID]
		if p == nil {
			p = &pieceCounter{}
			vs.pieces[ev.PieceID] = p
		}
		p.count++
		if success {
			p.bytes += ev.Size
		}
	}

	if ev.DurationMs >= 0 {
		vs.latency[ev.Category] = append(vs.latency[ev.Category], float64(ev.DurationMs))
	}
}

func (vs *ViewStats) satellite(id string) *satelliteCounters {
	s := vs.satellites[id]
	if s == nil {
		s = &satelliteCounters{}
		vs.satellites[id] = s
	}
	return s
}

func (vs *ViewStats) country(name string) *countryBytes {
	c := vs.countries[name]
	if c == nil {
		c = &countryBytes{}
		vs.countries[name] = c
	}
	return c
}

// Payload is one complete view snapshot as sent in stats_update frames.
type Payload struct {
	WindowStart       time.Time              `json:"window_start"`
	WindowEnd         time.Time              `json:"window_end"`
	Events            int64                  `json:"events"`
	Download          OpCounts               `json:"download"`
	Upload            OpCounts               `json:"upload"`
	Audit             OpCounts               `json:"audit"`
	DownloadBytes     int64                  `json:"download_bytes"`
	UploadBytes       int64                  `json:"upload_bytes"`
	LiveDownloadBytes int64                  `json:"live_download_bytes"`
	LiveUploadBytes   int64                  `json:"live_upload_bytes"`
	LiveDownloadBps   float64                `json:"live_download_bps"`
	LiveUploadBps     float64                `json:"live_upload_bps"`
	Satellites        []SatellitePayload     `json:"satellites"`
	Countries         []CountryPayload       `json:"countries"`
	DownloadSizes     []SizeBucketPayload    `json:"download_sizes"`
	UploadSizes       []SizeBucketPayload    `json:"upload_sizes"`
	ErrorTemplates    []ErrorTemplatePayload `json:"error_templates,omitempty"`
	HotPieces         []HotPiecePayload      `json:"hot_pieces,omitempty"`
	Latency           []LatencyPayload       `json:"latency,omitempty"`
}

// SatellitePayload is one satellite's share of the view traffic.
type SatellitePayload struct {
	ID            string `json:"id"`
	Uploads       int64  `json:"uploads"`
	Downloads     int64  `json:"downloads"`
	Audits        int64  `json:"audits"`
	Successes     int64  `json:"successes"`
	UploadBytes   int64  `json:"upload_bytes"`
	DownloadBytes int64  `json:"download_bytes"`
}

// CountryPayload is successful transfer volume per remote country.
type CountryPayload struct {
	Country       string `json:"country"`
	DownloadBytes int64  `json:"download_bytes"`
	UploadBytes   int64  `json:"upload_bytes"`
}

// SizeBucketPayload is one histogram bucket of transfer sizes.
type SizeBucketPayload struct {
	Bucket  string `json:"bucket"`
	Success int64  `json:"success"`
	Failed  int64  `json:"failed"`
}

// ErrorTemplatePayload is one templated failure reason with the values
// observed at its placeholders.
type ErrorTemplatePayload struct {
	Template string        `json:"template"`
	Count    int64         `json:"count"`
	Slots    []SlotPayload `json:"slots,omitempty"`
}

// SlotPayload describes one placeholder. Min and Max are meaningful for
// kind "int"; Seen carries the bounded value set otherwise.
type SlotPayload struct {
	Kind string   `json:"kind"`
	Min  int64    `json:"min"`
	Max  int64    `json:"max"`
	Seen []string `json:"seen,omitempty"`
}

// HotPiecePayload is one high-traffic piece.
type HotPiecePayload struct {
	PieceID string `json:"piece_id"`
	Count   int64  `json:"count"`
	Bytes   int64  `json:"bytes"`
}

// LatencyPayload summarizes operation durations for one category.
type LatencyPayload struct {
	Category string  `json:"category"`
	Count    int     `json:"count"`
	P50      float64 `json:"p50_ms"`
	P95      float64 `json:"p95_ms"`
	P99      float64 `json:"p99_ms"`
}

// Payload renders the accumulated state. Satellites sort by ID,
// countries by total volume, templates by occurrence count; hot pieces
// are the engine's top K by operation count.
func (vs *ViewStats) Payload() Payload {
	p := Payload{
		WindowStart:       vs.windowStart,
		WindowEnd:         vs.windowEnd,
		Events:            vs.events,
		Download:          vs.download,
		Upload:            vs.upload,
		Audit:             vs.audit,
		DownloadBytes:     vs.downloadBytes,
		UploadBytes:       vs.uploadBytes,
		LiveDownloadBytes: vs.liveDownload,
		LiveUploadBytes:   vs.liveUpload,
		LiveDownloadBps:   float64(vs.liveDownload) / liveWindow.Seconds(),
		LiveUploadBps:     float64(vs.liveUpload) / liveWindow.Seconds(),
		Satellites:        vs.satellitePayloads(),
		Countries:         vs.countryPayloads(),
		DownloadSizes:     bucketPayloads(&vs.dlSizes),
		UploadSizes:       bucketPayloads(&vs.ulSizes),
		ErrorTemplates:    vs.templatePayloads(),
		HotPieces:         topPieces(vs.pieces, vs.engine.topPieces),
		Latency:           vs.latencyPayloads(),
	}
	return p
}

func (vs *ViewStats) satellitePayloads() []SatellitePayload {
	out := make([]SatellitePayload, 0, len(vs.satellites))
	for id, s := range vs.satellites {
		out = append(out, SatellitePayload{
			ID:            id,
			Uploads:       s.uploads,
			Downloads:     s.downloads,
			Audits:        s.audits,
			Successes:     s.successes,
			UploadBytes:   s.uploadBytes,
			DownloadBytes: s.downloadBytes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (vs *ViewStats) countryPayloads() []CountryPayload {
	out := make([]CountryPayload, 0, len(vs.countries))
	for name, c := range vs.countries {
		out = append(out, CountryPayload{
			Country:       name,
			DownloadBytes: c.download,
			UploadBytes:   c.upload,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ti := out[i].DownloadBytes + out[i].UploadBytes
		tj := out[j].DownloadBytes + out[j].UploadBytes
		if ti != tj {
			return ti > tj
		}
		return out[i].Country < out[j].Country
	})
	return out
}

func bucketPayloads(h *sizeHistogram) []SizeBucketPayload {
	out := make([]SizeBucketPayload, numSizeBuckets)
	for i, label := range sizeBucketLabels {
		out[i] = SizeBucketPayload{Bucket: label, Success: h.success[i], Failed: h.fail[i]}
	}
	return out
}

func (vs *ViewStats) templatePayloads() []ErrorTemplatePayload {
	out := make([]ErrorTemplatePayload, 0, len(vs.templates))
	for tpl, t := range vs.templates {
		e := ErrorTemplatePayload{Template: tpl, Count: t.count}
		for _, d := range t.slots {
			sp := SlotPayload{Kind: d.kind}
			if d.kind == slotInt {
				sp.Min, sp.Max = d.min, d.max
			} else {
				sp.Seen = make([]string, 0, len(d.seen))
				for v := range d.seen {
					sp.Seen = append(sp.Seen, v)
				}
				sort.Strings(sp.Seen)
			}
			e.Slots = append(e.Slots, sp)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	return out
}

func (vs *ViewStats) latencyPayloads() []LatencyPayload {
	out := make([]LatencyPayload, 0, len(vs.latency))
	for cat, samples := range vs.latency {
		p50, _ := analytics.Percentile(samples, 50)
		p95, _ := analytics.Percentile(samples, 95)
		p99, _ := analytics.Percentile(samples, 99)
		out = append(out, LatencyPayload{
			Category: cat,
			Count:    len(samples),
			P50:      p50,
			P95:      p95,
			P99:      p99,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
