package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/hanko-field/storefront/internal/platform/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"

	// LocalProjectID is used against the emulator when no project is configured.
	LocalProjectID = "storefront-local"
)

var (
	ErrProviderClosed  = errors.New("storefront firestore: provider is closed")
	ErrProjectRequired = errors.New("storefront firestore: project id is required outside the emulator")

	errContextRequired = errors.New("storefront firestore: context is required")
)

// ClientFactory opens a client for the resolved project and database.
type ClientFactory func(ctx context.Context, projectID, databaseID string, opts ...option.ClientOption) (*firestore.Client, error)

// Settings is the connection target a Provider resolves from config and environment.
type Settings struct {
	ProjectID    string
	DatabaseID   string
	EmulatorHost string
}

// Emulated reports whether the client talks to a local emulator.
func (s Settings) Emulated() bool { return s.EmulatorHost != "" }

// pendingClient lets concurrent callers wait on a single in-flight dial.
type pendingClient struct {
	done   chan struct{}
	client *firestore.Client
	err    error
}

// Provider lazily opens the Firestore client shared by the storefront repositories.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	clientOpts  []option.ClientOption
	factory     ClientFactory

	mu      sync.Mutex
	client  *firestore.Client
	pending *pendingClient
	closed  bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides the timeout used when creating the client.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithClientOptions appends client options applied during initialisation.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// WithClientFactory replaces firestore.NewClientWithDatabase, mainly for tests.
func WithClientFactory(factory ClientFactory) ProviderOption {
	return func(p *Provider) {
		if factory != nil {
			p.factory = factory
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
		factory:     firestore.NewClientWithDatabase,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Settings resolves the project, database and emulator the client will use.
// Configured values win over GOOGLE_CLOUD_PROJECT and FIRESTORE_EMULATOR_HOST.
func (p *Provider) Settings() (Settings, error) {
	settings := Settings{
		ProjectID:    strings.TrimSpace(p.cfg.ProjectID),
		DatabaseID:   strings.TrimSpace(p.cfg.DatabaseID),
		EmulatorHost: strings.TrimSpace(p.cfg.EmulatorHost),
	}
	if settings.EmulatorHost == "" {
		settings.EmulatorHost = strings.TrimSpace(os.Getenv(envEmulatorHost))
	}
	if settings.ProjectID == "" {
		settings.ProjectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if settings.ProjectID == "" {
		if !settings.Emulated() {
			return Settings{}, ErrProjectRequired
		}
		settings.ProjectID = LocalProjectID
	}
	if settings.DatabaseID == "" {
		settings.DatabaseID = firestore.DefaultDatabaseID
	}
	return settings, nil
}

// Client returns the shared client, dialing it on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errContextRequired
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		client := p.client
		p.mu.Unlock()
		return client, nil
	}
	if pending := p.pending; pending != nil {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pending.done:
		}
		if pending.err != nil {
			return nil, pending.err
		}
		return pending.client, nil
	}
	pending := &pendingClient{done: make(chan struct{})}
	p.pending = pending
	p.mu.Unlock()

	client, err := p.dial(ctx)

	p.mu.Lock()
	p.pending = nil
	switch {
	case err != nil:
	case p.closed:
		// Close ran while dialing; nobody else will release this client.
		_ = client.Close()
		client, err = nil, ErrProviderClosed
	default:
		p.client = client
	}
	pending.client, pending.err = client, err
	p.mu.Unlock()
	close(pending.done)

	if err != nil {
		return nil, err
	}
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	settings, err := p.Settings()
	if err != nil {
		return nil, err
	}

	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if settings.Emulated() {
		// The client library reads the emulator host from the environment as well.
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, settings.EmulatorHost)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(settings.EmulatorHost),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := p.factory(ctx, settings.ProjectID, settings.DatabaseID, opts...)
	if err != nil {
		return nil, fmt.Errorf("storefront firestore: open %s/%s: %w", settings.ProjectID, settings.DatabaseID, err)
	}
	return client, nil
}

// Close releases the client. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// RunTransaction executes fn inside a Firestore transaction using the provider's client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}
