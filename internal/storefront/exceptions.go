package storefront

import (
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/storefront-e2e/internal/obs"
)

// PageError is an uncaught exception thrown by page script.
type PageError struct {
	URL        string
	Message    string
	ObservedAt time.Time
}

// ExceptionFilter swallows uncaught page exceptions so third-party script
// failures never fail a test. Every exception is still recorded and logged.
type ExceptionFilter struct {
	mu     sync.Mutex
	errors []PageError
	log    *slog.Logger
}

// NewExceptionFilter returns an empty filter.
func NewExceptionFilter() *ExceptionFilter {
	return &ExceptionFilter{log: obs.Pkg("storefront")}
}

// Attach subscribes the filter to a page's uncaught exceptions.
func (f *ExceptionFilter) Attach(page playwright.Page) {
	page.OnPageError(func(err error) {
		f.Record(page.URL(), err)
	})
}

// Record stores one exception. It always reports the exception as handled.
func (f *ExceptionFilter) Record(url string, err error) bool {
	if err == nil {
		return true
	}
	pe := PageError{URL: url, Message: err.Error(), ObservedAt: time.Now()}

	f.mu.Lock()
	f.errors = append(f.errors, pe)
	f.mu.Unlock()

	f.log.Warn("uncaught_exception_suppressed", "url", pe.URL, "message", pe.Message)
	return true
}

// Errors returns the recorded exceptions in arrival order.
func (f *ExceptionFilter) Errors() []PageError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PageError, len(f.errors))
	copy(out, f.errors)
	return out
}

// Reset forgets recorded exceptions.
func (f *ExceptionFilter) Reset() {
	f.mu.Lock()
	f.errors = nil
	f.mu.Unlock()
}
