package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/craftlane/api/internal/platform/firestore"
	"github.com/craftlane/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider       *pfirestore.Provider
	customizations *CustomizationRepository
	messages       *MessageRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryDeps collects the collaborators required to build a Registry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs the Firestore repository registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	customizations, err := NewCustomizationRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	messages, err := NewMessageRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:       deps.Provider,
		customizations: customizations,
		messages:       messages,
		counters:       counters,
		health:         deps.Health,
	}, nil
}

// Customizations returns the customization request repository.
func (r *Registry) Customizations() repositories.CustomizationRepository {
	return r.customizations
}

// Messages returns the request message repository.
func (r *Registry) Messages() repositories.MessageRepository {
	return r.messages
}

// Counters returns the sequence counter repository.
func (r *Registry) Counters() repositories.CounterRepository {
	return r.counters
}

// Health returns the dependency health repository when configured.
func (r *Registry) Health() repositories.HealthRepository {
	return r.health
}

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
