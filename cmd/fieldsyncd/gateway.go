package main

import (
	"context"
	"sync"
	"time"

	"github.com/relieflabs/fieldsync/internal/crypto"
	"github.com/relieflabs/fieldsync/internal/db"
	"github.com/relieflabs/fieldsync/internal/logging"
	"github.com/relieflabs/fieldsync/internal/remote"
)

// gatewayProxy fronts the remote gateway so the credential can be
// saved or replaced while the daemon runs. Calls made before a
// credential exists fail as network errors, which keeps the affected
// operations queued instead of dead-lettering them.
type gatewayProxy struct {
	callTimeout time.Duration

	mu      sync.RWMutex
	client  remote.Gateway
	baseURL string
}

// loadFromStore unseals the stored credential and builds the real
// client. Returns ErrSyncNotConfigured when no credential exists.
func (p *gatewayProxy) loadFromStore(store *db.Store, sealKey string) error {
	cred, err := store.GetCredential()
	if err != nil {
		return err
	}

	token, err := crypto.OpenToken(cred.TokenEncrypted, sealKey)
	if err != nil {
		return err
	}

	p.swap(cred.Endpoint, token)
	return nil
}

// swap replaces the underlying client. Used as the credential save
// callback.
func (p *gatewayProxy) swap(endpoint, token string) {
	client := remote.NewClient(&remote.ClientConfig{
		Endpoint: endpoint,
		Token:    token,
		Timeout:  p.callTimeout,
	})

	p.mu.Lock()
	p.client = client
	p.baseURL = endpoint
	p.mu.Unlock()

	logging.Info("Gateway client configured", map[string]interface{}{
		"endpoint": endpoint,
	})
}

// endpoint returns the configured gateway endpoint, empty when no
// credential has been loaded yet.
func (p *gatewayProxy) endpoint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseURL
}

func (p *gatewayProxy) get() (remote.Gateway, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, &remote.Error{
			Class:   remote.FailureNetwork,
			Message: "no gateway credential configured",
		}
	}
	return p.client, nil
}

func (p *gatewayProxy) Create(ctx context.Context, collection, id string, fields map[string]interface{}) (*remote.Document, error) {
	client, err := p.get()
	if err != nil {
		return nil, err
	}
	return client.Create(ctx, collection, id, fields)
}

func (p *gatewayProxy) Update(ctx context.Context, collection, id string, fields map[string]interface{}) (*remote.Document, error) {
	client, err := p.get()
	if err != nil {
		return nil, err
	}
	return client.Update(ctx, collection, id, fields)
}

func (p *gatewayProxy) Delete(ctx context.Context, collection, id string) error {
	client, err := p.get()
	if err != nil {
		return err
	}
	return client.Delete(ctx, collection, id)
}

func (p *gatewayProxy) Get(ctx context.Context, collection, id string) (*remote.Document, error) {
	client, err := p.get()
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, collection, id)
}

func (p *gatewayProxy) List(ctx context.Context, collection string, filter map[string]string) ([]*remote.Document, error) {
	client, err := p.get()
	if err != nil {
		return nil, err
	}
	return client.List(ctx, collection, filter)
}
