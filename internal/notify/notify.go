// Package notify delivers alert notifications to external channels:
// SMTP email, Discord- and Slack-shaped webhooks, and a generic JSON
// webhook. Delivery is fire-and-forget; a slow or broken channel never
// blocks alert generation.
package notify

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Notification is one outbound alert message.
type Notification struct {
	AlertType string
	Severity  string
	NodeName  string
	Title     string
	Message   string
	Details   map[string]string
}

// Notifier delivers one notification to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

const dispatchTimeout = 10 * time.Second

// Dispatcher fans notifications out to every configured adapter, one
// goroutine per adapter per notification.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given adapters. An empty
// adapter list is valid and makes Dispatch a no-op.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, timeout: dispatchTimeout}
}

// Dispatch sends n to every adapter and returns immediately. Each
// delivery runs under its own timeout; errors are logged, never
// propagated.
func (d *Dispatcher) Dispatch(n Notification) {
	for _, nt := range d.notifiers {
		d.wg.Add(1)
		go func(nt Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := nt.Notify(ctx, n); err != nil {
				log.Printf("[notify] %s: %v", nt.Name(), err)
			}
		}(nt)
	}
}

// Wait blocks until all in-flight deliveries finish. Called on shutdown
// so queued notifications are not torn down mid-send.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Len reports the number of configured adapters.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// detail is one Details entry in deterministic order.
type detail struct {
	key, value string
}

// sortedDetails renders the details map in stable key order so message
// bodies and webhook payloads do not shuffle between sends.
func sortedDetails(m map[string]string) []detail {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]detail, 0, len(keys))
	for _, k := range keys {
		out = append(out, detail{key: k, value: m[k]})
	}
	return out
}
