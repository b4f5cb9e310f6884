package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/tradein/internal/platform/config"
)

// NewPubSubClient dials Pub/Sub for cfg.ProjectID, using the emulator when EmulatorHost is set.
func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig, opts ...option.ClientOption) (*pubsub.Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	clientOpts := append([]option.ClientOption(nil), opts...)
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		clientOpts = append(clientOpts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: create client: %w", err)
	}
	return client, nil
}

// TopicProbe returns a readiness check that fails when topic is missing or unreachable.
func TopicProbe(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		if topic == nil {
			return errors.New("pubsub: topic not configured")
		}
		ok, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("pubsub: topic %s: %w", topic.ID(), err)
		}
		if !ok {
			return fmt.Errorf("pubsub: topic %s does not exist", topic.ID())
		}
		return nil
	}
}
