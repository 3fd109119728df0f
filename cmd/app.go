package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KaramelBytes/analyzethis/internal/ai"
	"github.com/KaramelBytes/analyzethis/internal/blob"
	cfgpkg "github.com/KaramelBytes/analyzethis/internal/config"
	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/logging"
	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/store/filestore"
	"github.com/KaramelBytes/analyzethis/internal/store/sqlstore"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

// app bundles the collaborators one command invocation needs.
type app struct {
	cfg   *cfgpkg.Global
	log   zerolog.Logger
	store store.Store
	svc   *pipeline.Service
}

func (a *app) Close() error { return a.store.Close() }

// newApp wires storage, completion and export from the loaded config.
func newApp(ctx context.Context) (*app, error) {
	c, err := requireConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Level: c.LogLevel, Format: c.LogFormat, Service: "analyzethis"})

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sampling, err := c.Sampling()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	temperature := c.Temperature
	comp, err := ai.NewCompleter(ai.CompleterConfig{
		Provider: c.DefaultProvider,
		Runtime: ai.RuntimeConfig{
			HTTPTimeout: c.HTTPTimeout(),
			BaseURL:     c.ProviderBaseURL,
		},
		Model:       c.DefaultModel,
		MaxTokens:   c.MaxTokens,
		Temperature: &temperature,
		FallbackKey: c.APIKey,
		Retry:       c.RetryPolicy(),
		Timeout:     c.CompletionTimeout(),
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	exp := export.New(export.NewWKHTMLRenderer(c.WkhtmltopdfPath), c.RenderRetry(), log)

	svc := pipeline.New(pipeline.Deps{
		Store:     st,
		Blobs:     blobs,
		Completer: comp,
		Exporter:  exp,
		Composer:  &prompt.Composer{Sampling: sampling, IncludeStats: c.IncludeStats},
	}, pipeline.Options{
		Sampling:       sampling,
		MinQuestionLen: c.MinPromptLength,
		MaxQuestionLen: c.MaxPromptLength,
		MaxConcurrent:  int64(c.MaxConcurrentGenerations),
	}, log)
	return &app{cfg: c, log: log, store: st, svc: svc}, nil
}

func openStore(ctx context.Context, c *cfgpkg.Global) (store.Store, error) {
	driver := strings.ToLower(c.StoreDriver)
	switch driver {
	case "", "file":
		return filestore.Open(c.RecordsDir())
	case "sqlite", "sqlite3":
		dsn := c.StoreDSN
		if dsn == "" {
			if err := utils.EnsureDir(c.DataDir); err != nil {
				return nil, err
			}
			dsn = filepath.Join(c.DataDir, "analyzethis.db")
		}
		return sqlstore.Open(ctx, driver, dsn)
	default:
		if c.StoreDSN == "" {
			return nil, fmt.Errorf("store_dsn is required for store_driver %s", driver)
		}
		return sqlstore.Open(ctx, driver, c.StoreDSN)
	}
}

func openBlobs(ctx context.Context, c *cfgpkg.Global) (blob.Store, error) {
	switch strings.ToLower(c.BlobDriver) {
	case "", "local":
		return blob.NewLocalStore(c.UploadDir())
	case "minio":
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  c.MinioEndpoint,
			Region:    c.MinioRegion,
			Bucket:    c.MinioBucket,
			AccessKey: c.MinioAccessKey,
			SecretKey: c.MinioSecretKey,
			UseSSL:    c.MinioUseSSL,
			Prefix:    c.MinioPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown blob_driver: %s", c.BlobDriver)
	}
}

// currentUser resolves --user (or $ANALYZETHIS_USER) to a stored user.
func (a *app) currentUser(ctx context.Context) (*store.User, error) {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = strings.TrimSpace(os.Getenv("ANALYZETHIS_USER"))
	}
	if name == "" {
		return nil, fmt.Errorf("no user selected: pass --user or set ANALYZETHIS_USER (create one with 'analyzethis user add <name>')")
	}
	u, err := a.svc.UserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("user %q not found (create it with 'analyzethis user add %s')", name, name)
	}
	return u, err
}

// withUser opens the app, resolves the user and runs fn.
func withUser(ctx context.Context, fn func(a *app, u *store.User) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	return fn(a, u)
}
