// Command mockstore serves the storefront and identity provider doubles on
// one listener so the browser suite, or a person, can drive them locally.
//
//	go run ./cmd/mockstore --addr 127.0.0.1:4000
//	STOREFRONT_BASE_URL=http://127.0.0.1:4000 STOREFRONT_HERMETIC=false go test ./tests/browser/...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kuitang/storefront-e2e/internal/config"
	"github.com/kuitang/storefront-e2e/internal/fixture"
	"github.com/kuitang/storefront-e2e/internal/mockidp"
	"github.com/kuitang/storefront-e2e/internal/mockstore"
	"github.com/kuitang/storefront-e2e/internal/obs"
)

const defaultAddr = "127.0.0.1:4000"

const defaultBanner = "You are signing in to the **staging** storefront. Test accounts only."

func main() {
	obs.Init()
	if err := run(os.Args[1:]); err != nil {
		obs.Pkg("main").Error("mockstore_failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mockstore", flag.ContinueOnError)
	flags, err := config.ParseFlags(fs, args)
	if err != nil {
		return err
	}
	// The double is always the target here, whatever the environment says.
	flags.Hermetic = "true"
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		return err
	}

	addr := flags.Addr
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	cfg.BaseURL = "http://" + ln.Addr().String()
	double, err := newDouble(cfg, cfg.BaseURL)
	if err != nil {
		ln.Close()
		return err
	}
	defer double.Close()
	cfg.PrintStartupSummary(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, ln, double.Handler())
}

// newDouble builds the double for baseURL and seeds it with the fixture's
// valid user.
func newDouble(cfg *config.Config, baseURL string) (*mockstore.Double, error) {
	double, err := mockstore.NewDouble(mockstore.DoubleConfig{
		Realm:       cfg.Realm,
		LandingPath: cfg.LandingPath,
		LoginBanner: defaultBanner,
		TagError:    mockstore.DefaultTagError,
	})
	if err != nil {
		return nil, err
	}
	double.SetBaseURL(baseURL)

	fx, err := fixture.Load(cfg.FixturesDir, cfg.FixtureName)
	if err != nil {
		double.Close()
		return nil, err
	}
	valid := fx.ValidUser()
	if err := double.AddUser(valid.Username, valid.Password, profileFor(valid.Username)); err != nil {
		double.Close()
		return nil, fmt.Errorf("seed user: %w", err)
	}
	obs.Pkg("main").Info("user_seeded", "username", valid.Username, "realm", cfg.Realm)
	return double, nil
}

func profileFor(username string) mockidp.Profile {
	local, _, _ := strings.Cut(username, "@")
	first, last, _ := strings.Cut(local, ".")
	return mockidp.Profile{FirstName: titleCase(first), LastName: titleCase(last)}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	obs.Pkg("main").Info("mockstore_listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
