// Package fixture loads the credential fixture the authentication suite runs
// with. A fixture is read once per test process and treated as read-only.
package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuitang/storefront-e2e/internal/errs"
)

// ErrIncompleteFixture is returned when a fixture lacks a required credential.
var ErrIncompleteFixture = errors.New("fixture: incomplete credentials")

// Credential is one username/password pair.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credentials groups the accounts the suite drives.
type Credentials struct {
	ValidUser   *Credential `json:"validUser"`
	InvalidUser *Credential `json:"invalidUser"`
}

// Fixture is the decoded fixture file.
type Fixture struct {
	Credentials Credentials `json:"credentials"`
}

// Path returns the on-disk location of a named fixture.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// Load reads <dir>/<name>.json, applies environment overrides and validates
// the result.
func Load(dir, name string) (*Fixture, error) {
	path := Path(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.NotFound, fmt.Sprintf("fixture %q not found", path), err)
		}
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("read fixture %q", path), err)
	}

	fx, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %q: %w", path, err)
	}
	fx.applyEnvOverrides()
	if err := fx.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %q: %w", path, err)
	}
	return fx, nil
}

// Parse decodes fixture JSON without validating it. Unknown fields are
// rejected so a misspelled key fails loudly instead of loading as empty.
func Parse(data []byte) (*Fixture, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "decode fixture", err)
	}
	return &fx, nil
}

// Validate enforces that both a valid and an invalid credential exist.
func (f *Fixture) Validate() error {
	var problems []string

	switch valid := f.Credentials.ValidUser; {
	case valid == nil:
		problems = append(problems, "credentials.validUser is missing")
	default:
		if strings.TrimSpace(valid.Username) == "" {
			problems = append(problems, "credentials.validUser.username is empty")
		}
		if valid.Password == "" {
			problems = append(problems, "credentials.validUser.password is empty")
		}
	}

	switch invalid := f.Credentials.InvalidUser; {
	case invalid == nil:
		problems = append(problems, "credentials.invalidUser is missing")
	case strings.TrimSpace(invalid.Username) == "":
		problems = append(problems, "credentials.invalidUser.username is empty")
	}

	if f.Credentials.ValidUser != nil && f.Credentials.InvalidUser != nil &&
		*f.Credentials.ValidUser == *f.Credentials.InvalidUser {
		problems = append(problems, "credentials.validUser and credentials.invalidUser are identical")
	}

	if len(problems) > 0 {
		return errs.Wrap(errs.InvalidArgument, strings.Join(problems, "; "), ErrIncompleteFixture)
	}
	return nil
}

// ValidUser returns the valid credential. Call only on a validated fixture.
func (f *Fixture) ValidUser() Credential {
	return *f.Credentials.ValidUser
}

// InvalidUser returns the invalid credential. Call only on a validated fixture.
func (f *Fixture) InvalidUser() Credential {
	return *f.Credentials.InvalidUser
}

// applyEnvOverrides lets CI inject real staging credentials without
// committing them to the fixture file.
func (f *Fixture) applyEnvOverrides() {
	username := strings.TrimSpace(os.Getenv("STOREFRONT_VALID_USERNAME"))
	password := os.Getenv("STOREFRONT_VALID_PASSWORD")
	if username == "" && password == "" {
		return
	}
	if f.Credentials.ValidUser == nil {
		f.Credentials.ValidUser = &Credential{}
	}
	if username != "" {
		f.Credentials.ValidUser.Username = username
	}
	if password != "" {
		f.Credentials.ValidUser.Password = password
	}
}
