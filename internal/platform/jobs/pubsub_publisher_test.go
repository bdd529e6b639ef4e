package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/craftlane/api/internal/services"
)

func TestPubSubEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "customization-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	event := services.CustomizationEvent{
		ID:         "evt_test",
		Type:       services.EventDesignApproved,
		RequestID:  "creq_test",
		ActorID:    "customer-1",
		OccurredAt: occurredAt,
		Payload: map[string]any{
			"finalFile": "designs/creq_test/final.svg",
		},
	}

	if err := publisher.PublishCustomizationEvent(ctx, event); err != nil {
		t.Fatalf("PublishCustomizationEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.CustomizationEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != event.ID || payload.Type != event.Type {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["requestId"]; attr != "creq_test" {
		t.Fatalf("expected requestId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["eventType"]; attr != services.EventDesignApproved {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
}
