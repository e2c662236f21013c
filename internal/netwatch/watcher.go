// Package netwatch records browser network calls against named aliases so a
// test can block until a specific request has completed. An alias pairs an
// HTTP method with a URL glob; every matching response is queued on the alias
// and each Wait consumes the next unconsumed call.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/storefront-e2e/internal/errs"
	"github.com/kuitang/storefront-e2e/internal/logutil"
	"github.com/kuitang/storefront-e2e/internal/obs"
)

const maxLoggedBody = 512

// Route selects requests by method and URL glob. An empty or "*" method
// matches any method.
type Route struct {
	Method string
	URL    string
}

// Matches reports whether a request with the given method and URL is selected.
func (r Route) Matches(method, url string) bool {
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return MatchGlob(r.URL, url)
}

func (r Route) String() string {
	method := r.Method
	if method == "" {
		method = "*"
	}
	return strings.ToUpper(method) + " " + r.URL
}

// Call is one observed request/response pair.
type Call struct {
	Method      string
	URL         string
	Status      int
	ContentType string
	RequestBody string
	Headers     map[string]string
	Failure     string // set when the request never produced a response
	ObservedAt  time.Time
}

// Failed reports whether the request errored at the network level.
func (c Call) Failed() bool {
	return c.Failure != ""
}

type alias struct {
	route    Route
	calls    []Call
	consumed int
}

// Watcher holds the aliases registered for one page.
type Watcher struct {
	mu      sync.Mutex
	aliases map[string]*alias
	changed chan struct{}
	log     *slog.Logger
}

// NewWatcher returns an empty watcher.
func NewWatcher() *Watcher {
	return &Watcher{
		aliases: make(map[string]*alias),
		changed: make(chan struct{}),
		log:     obs.Pkg("netwatch"),
	}
}

// Intercept registers route under name. Registering an existing name replaces
// it and drops its history, so each login attempt starts from a clean alias.
func (w *Watcher) Intercept(name string, route Route) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return errs.New(errs.InvalidArgument, "netwatch: alias name is empty")
	}
	if strings.TrimSpace(route.URL) == "" {
		return errs.Newf(errs.InvalidArgument, "netwatch: alias @%s has an empty URL pattern", name)
	}

	w.mu.Lock()
	w.aliases[name] = &alias{route: route}
	w.mu.Unlock()

	w.log.Debug("alias_registered", "alias", name, "route", route.String())
	return nil
}

// Observe records a completed call against every alias whose route matches.
// It is safe to call from browser event goroutines.
func (w *Watcher) Observe(call Call) {
	if call.ObservedAt.IsZero() {
		call.ObservedAt = time.Now()
	}

	w.mu.Lock()
	var matched []string
	for name, a := range w.aliases {
		if a.route.Matches(call.Method, call.URL) {
			a.calls = append(a.calls, call)
			matched = append(matched, name)
		}
	}
	if len(matched) > 0 {
		close(w.changed)
		w.changed = make(chan struct{})
	}
	w.mu.Unlock()

	for _, name := range matched {
		w.log.Debug("alias_matched",
			"alias", name,
			"method", call.Method,
			"url", logutil.RedactURLForLog(call.URL),
			"status", call.Status,
			"failure", call.Failure,
			"headers", logutil.FormatHeadersForLog(call.Headers),
			"body", logutil.FormatBodyForLog(call.ContentType, []byte(call.RequestBody), maxLoggedBody),
		)
	}
}

// Wait blocks until every named alias has an unconsumed call, then consumes
// one call per alias and returns them in argument order. It fails with a
// DeadlineExceeded error naming the aliases still pending once timeout
// elapses, and with the context's error if ctx ends first. Nothing is
// consumed on failure.
func (w *Watcher) Wait(ctx context.Context, timeout time.Duration, names ...string) ([]Call, error) {
	if len(names) == 0 {
		return nil, errs.New(errs.InvalidArgument, "netwatch: Wait needs at least one alias")
	}
	normalized := make([]string, len(names))
	for i, name := range names {
		normalized[i] = strings.TrimPrefix(strings.TrimSpace(name), "@")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		pending, err := w.pendingLocked(normalized)
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		if len(pending) == 0 {
			calls := make([]Call, len(normalized))
			for i, name := range normalized {
				a := w.aliases[name]
				calls[i] = a.calls[a.consumed]
				a.consumed++
			}
			w.mu.Unlock()
			return calls, nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, errs.Newf(errs.DeadlineExceeded,
				"netwatch: timed out after %s waiting for %s", timeout, formatAliases(pending))
		case <-ctx.Done():
			return nil, errs.Wrap(errs.DeadlineExceeded,
				fmt.Sprintf("netwatch: stopped waiting for %s", formatAliases(pending)), ctx.Err())
		}
	}
}

// pendingLocked returns the aliases with no unconsumed call. A name listed
// twice needs two unconsumed calls.
func (w *Watcher) pendingLocked(names []string) ([]string, error) {
	need := make(map[string]int, len(names))
	var pending []string
	for _, name := range names {
		a, ok := w.aliases[name]
		if !ok {
			return nil, errs.Newf(errs.InvalidArgument, "netwatch: alias @%s was never registered", name)
		}
		need[name]++
		if len(a.calls)-a.consumed < need[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// Calls returns every call recorded for an alias, consumed or not.
func (w *Watcher) Calls(name string) []Call {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.aliases[name]
	if !ok {
		return nil
	}
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// Reset drops every alias.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.aliases = make(map[string]*alias)
	w.mu.Unlock()
}

func formatAliases(names []string) string {
	tagged := make([]string, len(names))
	for i, name := range names {
		tagged[i] = "@" + name
	}
	return strings.Join(tagged, ", ")
}
