package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/nodepulse/nodepulse/internal/netutil"
)

// Location is the coarse position attached to traffic events. The zero
// value means "unknown".
type Location struct {
	Country   string
	Latitude  float64
	Longitude float64
}

// Reader abstracts the GeoIP database reader (e.g., maxminddb.Reader).
// This interface allows different implementations and simplifies testing.
type Reader interface {
	Lookup(ip net.IP) (Location, bool)
	Close() error
}

// OpenFunc opens a GeoIP database file and returns a Reader.
type OpenFunc func(path string) (Reader, error)

// mmdbReader adapts maxminddb.Reader to the Reader interface.
type mmdbReader struct {
	db *maxminddb.Reader
}

// cityRecord holds the subset of the GeoLite2/DB-IP city schema we use.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

func (r *mmdbReader) Lookup(ip net.IP) (Location, bool) {
	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return Location{}, false
	}
	if rec.Country.ISOCode == "" && rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return Location{}, false
	}
	return Location{
		Country:   rec.Country.ISOCode,
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}, true
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// MaxMindOpen opens an mmdb database file (GeoLite2-City or compatible).
// This is the production OpenFunc.
func MaxMindOpen(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

// noOpReader is a placeholder reader that finds nothing. Used in tests
// and when no database file is configured.
type noOpReader struct{}

func (noOpReader) Lookup(_ net.IP) (Location, bool) { return Location{}, false }
func (noOpReader) Close() error                     { return nil }

// NoOpOpen is a placeholder OpenFunc for tests. Always returns a reader
// that finds nothing.
func NoOpOpen(_ string) (Reader, error) { return noOpReader{}, nil }

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	DBPath         string             // path to the mmdb file
	UpdateURL      string             // optional; enables scheduled refresh
	UpdateSchedule string             // cron expression, default "0 4 * * 2"
	CacheSize      int                // LRU capacity, default 5000
	OpenDB         OpenFunc           // function to open the database
	Downloader     netutil.Downloader // shared downloader for refreshes
}

const (
	defaultCacheSize  = 5000
	lookupQueueSize   = 512
	defaultUpdateCron = "0 4 * * 2"
)

// cacheEntry remembers both hits and misses so repeated lines from an
// unresolvable host do not re-enqueue lookups.
type cacheEntry struct {
	loc   Location
	found bool
}

// Service resolves remote hosts to locations without ever blocking the
// caller: cache hits return immediately, misses enqueue an async lookup
// handled by a single worker. The underlying reader hot-reloads via
// RWMutex when the database file is refreshed.
type Service struct {
	mu     sync.RWMutex
	reader Reader // nil until first load

	dbPath     string
	updateURL  string
	openDB     OpenFunc
	downloader netutil.Downloader

	cache   otter.Cache[string, cacheEntry]
	pending chan string

	cron        *cron.Cron
	cronEntryID cron.EntryID
	updateMu    sync.Mutex // serializes UpdateNow calls
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewService creates a new GeoIP service. Start must be called before
// Resolve returns anything.
func NewService(cfg ServiceConfig) *Service {
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = defaultUpdateCron
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := otter.MustBuilder[string, cacheEntry](cfg.CacheSize).
		Cost(func(_ string, _ cacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("geoip: failed to create lookup cache: " + err.Error())
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service{
		dbPath:     cfg.DBPath,
		updateURL:  cfg.UpdateURL,
		openDB:     cfg.OpenDB,
		downloader: cfg.Downloader,
		cache:      cache,
		pending:    make(chan string, lookupQueueSize),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		stopCh:     make(chan struct{}),
	}

	// Scheduled refresh only makes sense with a source URL.
	if cfg.UpdateURL != "" {
		s.cron = cron.New()
		entryID, err := s.cron.AddFunc(cfg.UpdateSchedule, func() {
			if err := s.UpdateNow(); err != nil {
				log.Printf("[geoip] scheduled update failed: %v", err)
			}
		})
		if err != nil {
			log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
		} else {
			s.cronEntryID = entryID
		}
	}

	return s
}

// Start loads the initial database (if present), checks for staleness
// against the cron schedule, and starts the lookup worker and scheduler.
func (s *Service) Start() error {
	info, err := os.Stat(s.dbPath)
	switch {
	case err == nil:
		if err := s.reloadReader(s.dbPath); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
		if s.updateURL != "" && s.isStale(info.ModTime()) {
			log.Println("[geoip] database is stale, triggering background update")
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] startup update failed: %v", err)
				}
			}()
		}
	case os.IsNotExist(err):
		if s.updateURL != "" {
			log.Println("[geoip] no local database found, triggering background download")
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] initial download failed: %v", err)
				}
			}()
		} else {
			log.Printf("[geoip] database %s not found and no update URL configured; locations disabled", s.dbPath)
		}
	default:
		return fmt.Errorf("geoip: stat db %s: %w", s.dbPath, err)
	}

	s.wg.Add(1)
	go s.lookupWorker()
	if s.cron != nil {
		s.cron.Start()
	}
	return nil
}

// Stop stops the scheduler and the lookup worker, then closes the reader.
func (s *Service) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Resolve returns the cached location for host. On a cache miss it
// enqueues an async lookup and reports not-found; a later call for the
// same host hits the cache. Never blocks.
func (s *Service) Resolve(host string) (Location, bool) {
	if host == "" {
		return Location{}, false
	}
	if entry, ok := s.cache.Get(host); ok {
		return entry.loc, entry.found
	}
	select {
	case s.pending <- host:
	default:
		// Queue full: drop. The next event from this host retries.
	}
	return Location{}, false
}

// lookupWorker drains the pending queue, performing the actual reader
// lookups off the hot parsing path.
func (s *Service) lookupWorker() {
	defer s.wg.Done()
	for {
		select {
		case host := <-s.pending:
			if _, ok := s.cache.Get(host); ok {
				continue
			}
			loc, found := s.lookupHost(host)
			s.cache.Set(host, cacheEntry{loc: loc, found: found})
		case <-s.stopCh:
			return
		}
	}
}

// lookupHost performs a single reader lookup. Hosts that are not IP
// literals are not resolved via DNS; traffic logs carry addresses.
func (s *Service) lookupHost(host string) (Location, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Location{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return Location{}, false
	}
	return s.reader.Lookup(ip)
}

// isStale returns true if the file's mtime is older than the expected
// cron schedule interval. Uses 2× the gap between two consecutive cron
// firings to tolerate jitter. Falls back to 30 days if the schedule
// cannot be determined.
func (s *Service) isStale(modTime time.Time) bool {
	if s.cron == nil {
		return time.Since(modTime) > 30*24*time.Hour
	}
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 30*24*time.Hour
	}

	// Compute the gap between two consecutive firings.
	now := time.Now()
	next := entry.Schedule.Next(now)
	nextNext := entry.Schedule.Next(next)
	interval := nextNext.Sub(next)
	if interval <= 0 {
		interval = 30 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// UpdateNow downloads the database from the configured URL, verifies it,
// atomically replaces the local file, and hot-reloads the reader.
// Verification prefers a `<url>.sha256` sidecar; when no sidecar is
// published the downloaded file must at least open as a valid database.
// Serialized via updateMu to prevent concurrent temp file races.
func (s *Service) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.updateURL == "" {
		return fmt.Errorf("geoip: no update URL configured")
	}
	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}

	ctx := context.Background()
	if s.lifeCtx != nil {
		ctx = s.lifeCtx
	}

	data, err := s.downloader.Download(ctx, s.updateURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}

	dir := filepath.Dir(s.dbPath)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.dbPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()
	// Clean up temp on any error after this point.
	defer func() {
		os.Remove(tmpPath) // no-op if already renamed
	}()

	if err := s.verifyDownload(ctx, tmpPath); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}
	log.Printf("[geoip] database updated (%d bytes)", len(data))
	return s.reloadReader(s.dbPath)
}

// verifyDownload checks the temp file against the sha256 sidecar when
// one is published, and always confirms the file opens as a database.
func (s *Service) verifyDownload(ctx context.Context, tmpPath string) error {
	sumBody, err := s.downloader.Download(ctx, s.updateURL+".sha256")
	switch {
	case err == nil:
		expected := parseSHA256Sum(string(sumBody))
		if expected == "" {
			return fmt.Errorf("geoip: could not parse sha256 from %q", string(sumBody))
		}
		if err := VerifySHA256(tmpPath, expected); err != nil {
			return err
		}
	case isNotFound(err):
		// No sidecar published; structural validation below still applies.
	default:
		return fmt.Errorf("geoip: download sha256: %w", err)
	}

	probe, err := s.openDB(tmpPath)
	if err != nil {
		return fmt.Errorf("geoip: downloaded file is not a valid database: %w", err)
	}
	return probe.Close()
}

// isNotFound reports whether err is an HTTP 404 from the downloader.
func isNotFound(err error) bool {
	var httpErr *netutil.HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 404
	}
	return false
}

// reloadReader atomically replaces the current reader with a new one.
// Safe: RLock holders finish before the old reader is closed.
func (s *Service) reloadReader(path string) error {
	if s.openDB == nil {
		return fmt.Errorf("geoip: no OpenDB function configured")
	}
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	// Safe to close old: all RLock holders on old have released.
	if old != nil {
		old.Close()
	}
	// A new database may disagree with cached entries.
	s.cache.Clear()
	return nil
}

// VerifySHA256 checks that the file at path has the expected SHA256 hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != strings.ToLower(expectedHex) {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// LastUpdated returns the modification time of the database file.
func (s *Service) LastUpdated() time.Time {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// parseSHA256Sum extracts the hex hash from a "<hash>  <filename>" or
// bare "<hash>" formatted string.
func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
