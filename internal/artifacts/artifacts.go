// Package artifacts keeps evidence of failed browser tests: screenshots and
// the redacted network calls observed on the page. Artifacts go to a local
// directory, an S3 bucket, or both.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/storefront-e2e/internal/config"
	"github.com/kuitang/storefront-e2e/internal/logutil"
	"github.com/kuitang/storefront-e2e/internal/netwatch"
	"github.com/kuitang/storefront-e2e/internal/obs"
)

const maxLoggedBody = 2048

// Store persists one artifact and returns where it went.
type Store interface {
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)
}

// DirStore writes artifacts below a local directory.
type DirStore struct {
	Root string
}

// Put writes content to Root/key.
func (d DirStore) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	path := filepath.Join(d.Root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: mkdir for %q: %w", key, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %q: %w", key, err)
	}
	return path, nil
}

// Recorder fans artifacts out to every configured store.
type Recorder struct {
	stores []Store
	now    func() time.Time
}

// NewRecorder returns a recorder writing to stores. With no stores it
// discards everything.
func NewRecorder(stores ...Store) *Recorder {
	return &Recorder{stores: stores, now: time.Now}
}

// FromConfig builds the recorder the suite configuration asks for.
func FromConfig(ctx context.Context, cfg config.Config) (*Recorder, error) {
	var stores []Store
	if cfg.ArtifactsDir != "" {
		stores = append(stores, DirStore{Root: cfg.ArtifactsDir})
	}
	if cfg.ArtifactsBucket != "" {
		s3Store, err := NewS3Store(ctx, S3Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.ArtifactsBucket,
			UsePathStyle:    cfg.AWSEndpointS3 != "",
		})
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3Store)
	}
	return NewRecorder(stores...), nil
}

// Enabled reports whether any store is configured.
func (r *Recorder) Enabled() bool {
	return len(r.stores) > 0
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Key builds a collision-free object key for a test artifact.
func (r *Recorder) Key(testName, kind, ext string) string {
	name := strings.Trim(unsafeKeyChars.ReplaceAllString(testName, "_"), "_")
	if name == "" {
		name = "unnamed"
	}
	stamp := r.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s/%s/%s-%s.%s", kind, name, stamp, uuid.NewString()[:8], ext)
}

// SaveScreenshot stores a PNG for testName.
func (r *Recorder) SaveScreenshot(ctx context.Context, testName string, png []byte) ([]string, error) {
	return r.put(ctx, r.Key(testName, "screenshots", "png"), png, "image/png")
}

// NetworkEntry is one intercepted call with secrets removed.
type NetworkEntry struct {
	Alias      string    `json:"alias"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	Headers    string    `json:"headers"`
	Body       string    `json:"body,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// RedactCall converts an observed call into a loggable entry.
func RedactCall(alias string, c netwatch.Call) NetworkEntry {
	return NetworkEntry{
		Alias:      alias,
		Method:     c.Method,
		URL:        logutil.RedactURLForLog(c.URL),
		Status:     c.Status,
		Failure:    c.Failure,
		Headers:    logutil.FormatHeadersForLog(c.Headers),
		Body:       logutil.FormatBodyForLog(c.ContentType, []byte(c.RequestBody), maxLoggedBody),
		ObservedAt: c.ObservedAt,
	}
}

// SaveNetworkLog stores the redacted calls of each alias as JSON.
func (r *Recorder) SaveNetworkLog(ctx context.Context, testName string, w *netwatch.Watcher, aliases ...string) ([]string, error) {
	var entries []NetworkEntry
	for _, alias := range aliases {
		for _, c := range w.Calls(alias) {
			entries = append(entries, RedactCall(alias, c))
		}
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifacts: encode network log: %w", err)
	}
	return r.put(ctx, r.Key(testName, "network", "json"), body, "application/json")
}

func (r *Recorder) put(ctx context.Context, key string, content []byte, contentType string) ([]string, error) {
	var locations []string
	var failures []error
	for _, s := range r.stores {
		loc, err := s.Put(ctx, key, content, contentType)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		locations = append(locations, loc)
	}
	if len(locations) > 0 {
		obs.From(ctx).With("pkg", "artifacts").Info("artifact_saved", "key", key, "locations", locations)
	}
	return locations, errors.Join(failures...)
}
