// Package tail delivers complete log lines from growing files and TCP
// forwarders. File sources survive rotation and truncation; network
// sources reconnect with exponential backoff. Both block on an idleness
// Gate while no one is consuming.
package tail

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// maxLineBytes caps a single log line; longer lines are dropped.
	maxLineBytes = 1 << 20
	readerSize   = 64 * 1024
)

// Config describes one log source. Exactly one of Path or Addr is set:
// Path tails a file, Addr consumes newline-delimited frames from a TCP
// forwarder.
type Config struct {
	Node string            // node name, used in log prefixes
	Path string            // file mode: path of the log file
	Addr string            // network mode: host:port of the forwarder
	Sink func(line string) // receives each complete line, in order
	Gate *Gate             // idleness gate; nil means always hot
}

// Source tails one log stream on its own goroutine.
type Source struct {
	cfg  Config
	path string

	stopCh chan struct{}
	wg     sync.WaitGroup

	seekEnd bool // first file open starts at the end

	// Timing knobs, fixed in production and shortened in tests.
	openRetry      time.Duration
	readRetry      time.Duration
	missingAfter   time.Duration
	warnEvery      time.Duration
	pollInterval   time.Duration
	dialBackoff    time.Duration
	dialBackoffMax time.Duration
	readDeadline   time.Duration
}

// New builds a source from cfg. Start must be called to begin delivery.
func New(cfg Config) *Source {
	return &Source{
		cfg:            cfg,
		path:           filepath.Clean(cfg.Path),
		stopCh:         make(chan struct{}),
		seekEnd:        true,
		openRetry:      2 * time.Second,
		readRetry:      5 * time.Second,
		missingAfter:   30 * time.Second,
		warnEvery:      time.Minute,
		pollInterval:   2 * time.Second,
		dialBackoff:    time.Second,
		dialBackoffMax: 30 * time.Second,
		readDeadline:   time.Second,
	}
}

// Start spawns the worker goroutine for the configured mode.
func (s *Source) Start() {
	s.wg.Add(1)
	if s.cfg.Addr != "" {
		go s.runNetwork()
	} else {
		go s.runFile()
	}
}

// Stop terminates the worker and waits for it to exit.
func (s *Source) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Source) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// sleep pauses for d, returning false if the source was stopped first.
func (s *Source) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

// waitGate blocks until lines are wanted. Returns false when stopped.
func (s *Source) waitGate() bool {
	if s.cfg.Gate == nil {
		return !s.stopped()
	}
	return s.cfg.Gate.Wait(s.stopCh)
}

func (s *Source) gateOpen() bool {
	return s.cfg.Gate == nil || s.cfg.Gate.IsOpen()
}

// lineBuffer assembles complete lines from sequential reads, carrying
// the partial tail between calls. Lines over maxLineBytes are dropped,
// including the continuation chunks that follow.
type lineBuffer struct {
	buf       []byte
	oversized bool
}

// feed appends chunk to the pending line; complete marks that chunk
// ends with a newline.
func (b *lineBuffer) feed(chunk []byte, complete bool, sink func(string)) {
	if b.oversized {
		if complete {
			b.oversized = false
		}
		return
	}
	b.buf = append(b.buf, chunk...)
	if len(b.buf) > maxLineBytes {
		b.buf = b.buf[:0]
		b.oversized = !complete
		return
	}
	if !complete {
		return
	}
	line := strings.TrimRight(string(b.buf), "\r\n")
	b.buf = b.buf[:0]
	if line != "" {
		sink(line)
	}
}

// drainReader consumes every complete line currently readable. Returns
// nil on EOF (no more data for now); any other error is the caller's to
// handle. Partial trailing data stays buffered in lb.
func drainReader(r *bufio.Reader, lb *lineBuffer, sink func(string)) error {
	for {
		chunk, err := r.ReadBytes('\n')
		switch {
		case err == nil:
			lb.feed(chunk, true, sink)
		case errors.Is(err, io.EOF):
			lb.feed(chunk, false, sink)
			return nil
		default:
			lb.feed(chunk, false, sink)
			return err
		}
	}
}

// inodeOf extracts the inode from a stat result, or 0 when the platform
// does not expose one.
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// runFile tails a file through rotations: open (first open seeks to the
// end), follow until the handle goes stale, reopen from the start.
func (s *Source) runFile() {
	defer s.wg.Done()
	for {
		if !s.waitGate() {
			return
		}
		f, ino, ok := s.openFile()
		if !ok {
			return
		}
		s.follow(f, ino)
		f.Close()
		if s.stopped() {
			return
		}
	}
}

// openFile opens the configured path, retrying every openRetry until it
// succeeds or the source stops. A path missing longer than missingAfter
// is warned about once per warnEvery; permission-style errors warn
// immediately at the same rate.
func (s *Source) openFile() (*os.File, uint64, bool) {
	var failingSince, lastWarn time.Time
	for {
		f, err := os.Open(s.path)
		if err == nil {
			info, statErr := f.Stat()
			if statErr != nil {
				f.Close()
				err = statErr
			} else {
				if s.seekEnd {
					if _, serr := f.Seek(0, io.SeekEnd); serr != nil {
						log.Printf("[tail] %s: seek %s: %v", s.cfg.Node, s.path, serr)
					}
				}
				s.seekEnd = false
				return f, inodeOf(info), true
			}
		}

		now := time.Now()
		if failingSince.IsZero() {
			failingSince = now
		}
		grace := s.missingAfter
		if !os.IsNotExist(err) {
			grace = 0
		}
		if now.Sub(failingSince) >= grace && now.Sub(lastWarn) >= s.warnEvery {
			log.Printf("[tail] %s: cannot open %s (for %s): %v",
				s.cfg.Node, s.path, now.Sub(failingSince).Truncate(time.Second), err)
			lastWarn = now
		}
		if !s.sleep(s.openRetry) {
			return nil, 0, false
		}
	}
}

// follow reads the handle until it no longer corresponds to the path.
// It blocks on fsnotify events for the file (watching the parent
// directory, since rotation replaces the inode) with a slow poll ticker
// as a safety net.
func (s *Source) follow(f *os.File, openedIno uint64) {
	reader := bufio.NewReaderSize(f, readerSize)
	var lb lineBuffer

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[tail] %s: fsnotify unavailable, polling only: %v", s.cfg.Node, err)
	} else {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(s.path)); werr != nil {
			log.Printf("[tail] %s: watch %s: %v", s.cfg.Node, filepath.Dir(s.path), werr)
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if !s.waitGate() {
			return
		}
		if err := drainReader(reader, &lb, s.cfg.Sink); err != nil {
			log.Printf("[tail] %s: read %s: %v", s.cfg.Node, s.path, err)
			if !s.sleep(s.readRetry) {
				return
			}
			continue
		}
		if !s.waitActivity(events, watchErrs, ticker.C) {
			return
		}
		if s.handleStale(f, reader, openedIno, &lb) {
			return
		}
	}
}

// waitActivity blocks until the watched file changes, the poll ticker
// fires, or the source stops (returns false).
func (s *Source) waitActivity(events chan fsnotify.Event, watchErrs chan error, tick <-chan time.Time) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok || filepath.Clean(ev.Name) == s.path {
				return true
			}
			// A sibling file changed; keep waiting.
		case werr, ok := <-watchErrs:
			if ok && werr != nil {
				log.Printf("[tail] %s: watcher error: %v", s.cfg.Node, werr)
			}
			return true
		case <-tick:
			return true
		case <-s.stopCh:
			return false
		}
	}
}

// handleStale reports whether the open handle should be abandoned: the
// path is gone, points at a different inode (rotation), or is shorter
// than our read offset (truncation). The old handle is drained first so
// trailing lines are not lost. Rotation itself is silent.
func (s *Source) handleStale(f *os.File, reader *bufio.Reader, openedIno uint64, lb *lineBuffer) bool {
	info, err := os.Stat(s.path)
	if err == nil {
		same := true
		if ino := inodeOf(info); ino != 0 && openedIno != 0 && ino != openedIno {
			same = false
		}
		if same {
			pos, serr := f.Seek(0, io.SeekCurrent)
			if serr == nil && info.Size() >= pos-int64(reader.Buffered()) {
				return false
			}
		}
	}
	drainReader(reader, lb, s.cfg.Sink)
	return true
}

// runNetwork consumes newline-delimited frames from a TCP forwarder,
// reconnecting with exponential backoff that resets after a successful
// read.
func (s *Source) runNetwork() {
	defer s.wg.Done()
	backoff := s.dialBackoff
	for {
		if !s.waitGate() {
			return
		}
		conn, err := net.Dial("tcp", s.cfg.Addr)
		if err != nil {
			log.Printf("[tail] %s: connect %s: %v (retrying in %s)", s.cfg.Node, s.cfg.Addr, err, backoff)
			if !s.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > s.dialBackoffMax {
				backoff = s.dialBackoffMax
			}
			continue
		}
		log.Printf("[tail] %s: connected to %s", s.cfg.Node, s.cfg.Addr)
		s.readConn(conn, &backoff)
		conn.Close()
		if s.stopped() {
			return
		}
	}
}

// readConn reads frames until the connection fails, the source stops, or
// the gate closes (idle connections are dropped and redialed on demand).
// Short read deadlines keep the loop responsive to stop and gate state.
func (s *Source) readConn(conn net.Conn, backoff *time.Duration) {
	reader := bufio.NewReaderSize(conn, readerSize)
	var lb lineBuffer
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readDeadline)); err != nil {
			return
		}
		chunk, err := reader.ReadBytes('\n')
		if err == nil {
			lb.feed(chunk, true, s.cfg.Sink)
			*backoff = s.dialBackoff
			continue
		}
		if len(chunk) > 0 {
			lb.feed(chunk, false, s.cfg.Sink)
			*backoff = s.dialBackoff
		}
		if s.stopped() {
			return
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if !s.gateOpen() {
				return
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			log.Printf("[tail] %s: read %s: %v (reconnecting)", s.cfg.Node, s.cfg.Addr, err)
		}
		return
	}
}
