package tail

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// sinkRecorder captures every delivered line and exposes a channel for
// ordered waits.
type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
	ch    chan string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan string, 256)}
}

func (r *sinkRecorder) sink(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	select {
	case r.ch <- line:
	default:
	}
}

func (r *sinkRecorder) saw(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l == line {
			return true
		}
	}
	return false
}

func newTestFileSource(t *testing.T, path string, gate *Gate) (*Source, *sinkRecorder) {
	t.Helper()
	rec := newSinkRecorder()
	s := New(Config{Node: "n1", Path: path, Sink: rec.sink, Gate: gate})
	s.openRetry = 10 * time.Millisecond
	s.readRetry = 10 * time.Millisecond
	s.pollInterval = 10 * time.Millisecond
	s.missingAfter = time.Hour // keep test logs quiet
	return s, rec
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func waitLine(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
			// Skip sync filler lines.
			if strings.HasPrefix(got, "sync-") {
				continue
			}
			t.Fatalf("line = %q, want %q", got, want)
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func expectNoLine(t *testing.T, ch <-chan string, d time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected line %q", got)
	case <-time.After(d):
	}
}

// awaitOpen appends filler lines until the source demonstrably delivers,
// then drains the stragglers. Needed because the worker opens the file
// asynchronously and skips anything written before its seek-to-end.
func awaitOpen(t *testing.T, path string, rec *sinkRecorder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; ; i++ {
		appendFile(t, path, fmt.Sprintf("sync-%d\n", i))
		select {
		case <-rec.ch:
			for {
				select {
				case <-rec.ch:
				case <-time.After(50 * time.Millisecond):
					return
				}
			}
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("source never started delivering")
		}
	}
}

func TestFileSource_SkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	appendFile(t, path, "old line\n")

	s, rec := newTestFileSource(t, path, nil)
	s.Start()
	defer s.Stop()

	awaitOpen(t, path, rec)
	appendFile(t, path, "fresh line\n")
	waitLine(t, rec.ch, "fresh line")

	if rec.saw("old line") {
		t.Fatal("content written before start must not be delivered")
	}
}

func TestFileSource_RotationPickup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")
	appendFile(t, path, "")

	s, rec := newTestFileSource(t, path, nil)
	s.Start()
	defer s.Stop()

	awaitOpen(t, path, rec)
	appendFile(t, path, "before rotate\n")
	waitLine(t, rec.ch, "before rotate")

	// Rotate: move the current file aside and start a fresh one.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("after rotate\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// The new file is read from the start, so a line written before the
	// reopen still arrives.
	waitLine(t, rec.ch, "after rotate")
}

func TestFileSource_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	appendFile(t, path, "")

	s, rec := newTestFileSource(t, path, nil)
	s.Start()
	defer s.Stop()

	awaitOpen(t, path, rec)
	appendFile(t, path, "pre truncate\n")
	waitLine(t, rec.ch, "pre truncate")

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "post\n")
	waitLine(t, rec.ch, "post")
}

func TestFileSource_LateCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	s, rec := newTestFileSource(t, path, nil)
	s.Start()
	defer s.Stop()

	// File does not exist yet; the worker retries until it appears.
	awaitOpen(t, path, rec)
	appendFile(t, path, "hello\n")
	waitLine(t, rec.ch, "hello")
}

func TestFileSource_GateIdleness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	gate := NewGate(false)

	s, rec := newTestFileSource(t, path, gate)
	s.Start()
	defer s.Stop()

	// Closed gate: the file is never even opened.
	appendFile(t, path, "hidden\n")
	expectNoLine(t, rec.ch, 100*time.Millisecond)

	gate.Open()
	awaitOpen(t, path, rec)
	appendFile(t, path, "visible\n")
	waitLine(t, rec.ch, "visible")
	if rec.saw("hidden") {
		t.Fatal("line written before the first client must not be delivered")
	}

	// Closing mid-follow parks the worker but keeps the offset.
	gate.Close()
	time.Sleep(50 * time.Millisecond)
	appendFile(t, path, "while idle\n")
	expectNoLine(t, rec.ch, 100*time.Millisecond)

	gate.Open()
	waitLine(t, rec.ch, "while idle")
}

func TestNetworkSource_DeliverAndReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rec := newSinkRecorder()
	s := New(Config{Node: "n1", Addr: ln.Addr().String(), Sink: rec.sink})
	s.dialBackoff = 10 * time.Millisecond
	s.dialBackoffMax = 50 * time.Millisecond
	s.readDeadline = 50 * time.Millisecond
	s.Start()
	defer s.Stop()

	conn1, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn1.Write([]byte("first line\n")); err != nil {
		t.Fatal(err)
	}
	waitLine(t, rec.ch, "first line")
	conn1.Close()

	// The source redials after the drop.
	conn2, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	if _, err := conn2.Write([]byte("second line\n")); err != nil {
		t.Fatal(err)
	}
	waitLine(t, rec.ch, "second line")
}

func TestNetworkSource_StopWhileDialing(t *testing.T) {
	// Nothing listens here; the worker sits in its dial/backoff loop.
	rec := newSinkRecorder()
	s := New(Config{Node: "n1", Addr: "127.0.0.1:1", Sink: rec.sink})
	s.dialBackoff = 10 * time.Millisecond
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while dialing")
	}
}

func TestLineBuffer_AssemblesAcrossReads(t *testing.T) {
	var got []string
	sink := func(l string) { got = append(got, l) }
	var lb lineBuffer

	lb.feed([]byte("hel"), false, sink)
	lb.feed([]byte("lo\n"), true, sink)
	lb.feed([]byte("world\r\n"), true, sink)
	lb.feed([]byte("\n"), true, sink) // blank lines are skipped

	want := []string{"hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLineBuffer_OversizedDropped(t *testing.T) {
	var got []string
	sink := func(l string) { got = append(got, l) }
	var lb lineBuffer

	huge := make([]byte, maxLineBytes+1)
	for i := range huge {
		huge[i] = 'x'
	}
	lb.feed(huge, false, sink)
	// Continuation of the oversized line is also discarded.
	lb.feed([]byte("tail of huge\n"), true, sink)
	// The next complete line goes through.
	lb.feed([]byte("normal\n"), true, sink)

	if len(got) != 1 || got[0] != "normal" {
		t.Fatalf("got %v, want only %q", got, "normal")
	}
}

func TestGate_WaitBlocksUntilOpen(t *testing.T) {
	g := NewGate(false)
	stop := make(chan struct{})

	released := make(chan bool, 1)
	go func() { released <- g.Wait(stop) }()

	select {
	case <-released:
		t.Fatal("Wait returned while the gate was closed")
	case <-time.After(50 * time.Millisecond):
	}

	g.Open()
	select {
	case ok := <-released:
		if !ok {
			t.Fatal("Wait = false, want true after Open")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Open")
	}
}

func TestGate_WaitReturnsFalseOnStop(t *testing.T) {
	g := NewGate(false)
	stop := make(chan struct{})

	released := make(chan bool, 1)
	go func() { released <- g.Wait(stop) }()
	close(stop)

	select {
	case ok := <-released:
		if ok {
			t.Fatal("Wait = true, want false on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return on stop")
	}
}

func TestGate_ReopenCycle(t *testing.T) {
	g := NewGate(true)
	if !g.IsOpen() {
		t.Fatal("gate should start open")
	}
	g.Close()
	g.Close() // idempotent
	if g.IsOpen() {
		t.Fatal("gate should be closed")
	}
	g.Open()
	g.Open() // idempotent
	if !g.IsOpen() {
		t.Fatal("gate should be open again")
	}
	if !g.Wait(nil) {
		t.Fatal("Wait on an open gate should return immediately")
	}
}
