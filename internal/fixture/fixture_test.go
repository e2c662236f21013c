package fixture

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/storefront-e2e/internal/errs"
)

const completeFixture = `{
  "credentials": {
    "validUser": {"username": "shopper@example.com", "password": "s3cret!"},
    "invalidUser": {"username": "nobody@example.com", "password": "nope"}
  }
}`

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600))
	return dir
}

func TestLoad_CompleteFixture(t *testing.T) {
	t.Setenv("STOREFRONT_VALID_USERNAME", "")
	t.Setenv("STOREFRONT_VALID_PASSWORD", "")
	dir := writeFixture(t, "config", completeFixture)

	fx, err := Load(dir, "config")
	require.NoError(t, err)
	require.Equal(t, Credential{Username: "shopper@example.com", Password: "s3cret!"}, fx.ValidUser())
	require.Equal(t, Credential{Username: "nobody@example.com", Password: "nope"}, fx.InvalidUser())
}

func TestLoad_EnvOverridesValidUser(t *testing.T) {
	t.Setenv("STOREFRONT_VALID_USERNAME", "ci-shopper@example.com")
	t.Setenv("STOREFRONT_VALID_PASSWORD", "from-ci")
	dir := writeFixture(t, "config", completeFixture)

	fx, err := Load(dir, "config")
	require.NoError(t, err)
	require.Equal(t, "ci-shopper@example.com", fx.ValidUser().Username)
	require.Equal(t, "from-ci", fx.ValidUser().Password)
}

func TestLoad_MissingFileIsNotFound(t *testing.T) {
	t.Setenv("STOREFRONT_VALID_USERNAME", "")
	t.Setenv("STOREFRONT_VALID_PASSWORD", "")

	_, err := Load(t.TempDir(), "absent")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound), "got %v", err)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"credentials":{"validuser":{"username":"a","password":"b"}}}`))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestValidate_InvalidUserMayHaveEmptyPassword(t *testing.T) {
	t.Parallel()

	fx, err := Parse([]byte(`{"credentials":{"validUser":{"username":"a","password":"b"},"invalidUser":{"username":"c","password":""}}}`))
	require.NoError(t, err)
	require.NoError(t, fx.Validate())
}

func testValidate_RejectsMissingUser(t *rapid.T) {
	drawCred := func(label string) *Credential {
		return &Credential{
			Username: rapid.StringMatching(`[a-z]{1,10}@example\.com`).Draw(t, label+"_user"),
			Password: rapid.StringMatching(`[A-Za-z0-9]{1,12}`).Draw(t, label+"_pass"),
		}
	}
	fx := &Fixture{Credentials: Credentials{ValidUser: drawCred("valid"), InvalidUser: drawCred("invalid")}}

	switch rapid.IntRange(0, 2).Draw(t, "drop") {
	case 0:
		fx.Credentials.ValidUser = nil
	case 1:
		fx.Credentials.InvalidUser = nil
	default:
		fx.Credentials.ValidUser = nil
		fx.Credentials.InvalidUser = nil
	}

	err := fx.Validate()
	if err == nil {
		t.Fatal("expected validation failure for fixture missing a user")
	}
	if !errors.Is(err, ErrIncompleteFixture) {
		t.Fatalf("expected ErrIncompleteFixture, got %v", err)
	}
}

func TestValidate_RejectsMissingUser(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_RejectsMissingUser)
}

func TestValidate_RejectsIdenticalUsers(t *testing.T) {
	t.Parallel()

	same := Credential{Username: "a@example.com", Password: "x"}
	fx := &Fixture{Credentials: Credentials{ValidUser: &same, InvalidUser: &Credential{Username: same.Username, Password: same.Password}}}
	err := fx.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "identical")
}

func TestRepositoryFixtureIsValid(t *testing.T) {
	t.Setenv("STOREFRONT_VALID_USERNAME", "")
	t.Setenv("STOREFRONT_VALID_PASSWORD", "")

	_, err := Load(filepath.Join("..", "..", "tests", "browser", "fixtures"), "config")
	require.NoError(t, err)
}
