package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	envConfig "github.com/maximilianredt/eforms-conversion-uploader/internal/config"
	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// Publisher sends run summaries to an SQS queue.
type Publisher struct {
	client *sqs.Client
	config envConfig.SQS
	log    *zap.Logger
}

// NewPublisher creates a new SQS summary publisher.
func NewPublisher(ctx context.Context, SQSConfig envConfig.SQS, log *zap.Logger) (*Publisher, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(SQSConfig.Region),
	}

	var clientOpts []func(*sqs.Options)

	// Configure for local development with ElasticMQ
	if SQSConfig.Endpoint != "" {
		log.Info("Configuring SQS for local development",
			zap.String("endpoint", SQSConfig.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))

		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(SQSConfig.Endpoint)
		})
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(cfg, clientOpts...)

	log.Info("SQS summary publisher created",
		zap.String("region", SQSConfig.Region),
		zap.String("queue_url", SQSConfig.QueueURL))

	return &Publisher{
		client: sqsClient,
		config: SQSConfig,
		log:    log,
	}, nil
}

// PublishSummary sends the run summary as a JSON message.
func (p *Publisher) PublishSummary(ctx context.Context, summary *domain.RunSummary) error {
	bodyJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	failedAttr := "false"
	if summary.TotalFailed() > 0 {
		failedAttr = "true"
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.config.QueueURL),
		MessageBody: aws.String(string(bodyJSON)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RunID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(summary.RunID),
			},
			"HasFailures": {
				DataType:    aws.String("String"),
				StringValue: aws.String(failedAttr),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish run summary to SQS: %w", err)
	}

	p.log.Info("Run summary published to SQS",
		zap.String("run_id", summary.RunID))

	return nil
}
