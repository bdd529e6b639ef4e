package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/craftlane/api/internal/platform/config"
	"github.com/craftlane/api/internal/repositories"
	"github.com/craftlane/api/internal/services"
)

// Ports carries the out-of-process collaborators that the service layer
// depends on. Production wiring supplies real gateways; tests can inject
// stubs.
type Ports struct {
	Gateway  services.DisbursementGateway
	Accounts services.PayoutAccountResolver
	Events   services.CustomizationEventPublisher
	Files    services.DesignArtifactStore
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Customizations services.CustomizationService
	Escrow         services.EscrowService
	Webhooks       services.DisbursementWebhookService
	System         services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, ports Ports) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, ports)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, ports Ports) (Services, error) {
	var svc Services

	customizationsRepo := reg.Customizations()
	if customizationsRepo == nil {
		return Services{}, errors.New("customization repository is required")
	}
	messagesRepo := reg.Messages()
	if messagesRepo == nil {
		return Services{}, errors.New("message repository is required")
	}
	countersRepo := reg.Counters()
	if countersRepo == nil {
		return Services{}, errors.New("counter repository is required")
	}

	escrowSvc, err := services.NewEscrowService(services.EscrowServiceDeps{
		Customizations: customizationsRepo,
		Gateway:        ports.Gateway,
		Accounts:       ports.Accounts,
		Clock:          time.Now,
		Logger:         ports.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build escrow service: %w", err)
	}
	svc.Escrow = escrowSvc

	webhookSvc, err := services.NewDisbursementWebhookService(services.DisbursementWebhookServiceDeps{
		Customizations: customizationsRepo,
		Events:         ports.Events,
		Clock:          time.Now,
		Logger:         ports.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build disbursement webhook service: %w", err)
	}
	svc.Webhooks = webhookSvc

	customizationSvc, err := services.NewCustomizationService(services.CustomizationServiceDeps{
		Customizations: customizationsRepo,
		Messages:       messagesRepo,
		Counters:       countersRepo,
		Escrow:         escrowSvc,
		Files:          ports.Files,
		Events:         ports.Events,
		Clock:          time.Now,
		Logger:         ports.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build customization service: %w", err)
	}
	svc.Customizations = customizationSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build: services.BuildInfo{
				Environment: cfg.Security.Environment,
				StartedAt:   time.Now().UTC(),
			},
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
