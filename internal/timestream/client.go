package timestream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/aws/smithy-go"

	"github.com/kon-rad/tswriter/internal/writer"
)

// API is the subset of *timestreamwrite.Client the writer needs.
type API interface {
	WriteRecords(ctx context.Context, params *timestreamwrite.WriteRecordsInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error)
	CreateTable(ctx context.Context, params *timestreamwrite.CreateTableInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.CreateTableOutput, error)
}

// Client adapts the Timestream write API to writer.Client and writer.TableCreator.
type Client struct {
	api         API
	callTimeout time.Duration
}

// New wraps api. callTimeout bounds a whole call, including the SDK's own retries.
func New(api API, callTimeout time.Duration) *Client {
	return &Client{api: api, callTimeout: callTimeout}
}

func (c *Client) Write(ctx context.Context, batch *writer.WriteBatch) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.api.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(batch.Database()),
		TableName:    aws.String(batch.Table()),
		Records:      toRecords(batch.Records()),
	})
	return classify(err)
}

func (c *Client) CreateTable(ctx context.Context, database, table string, retention writer.RetentionPolicy) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.api.CreateTable(ctx, &timestreamwrite.CreateTableInput{
		DatabaseName: aws.String(database),
		TableName:    aws.String(table),
		RetentionProperties: &types.RetentionProperties{
			MemoryStoreRetentionPeriodInHours:  aws.Int64(retention.MemoryStoreHours),
			MagneticStoreRetentionPeriodInDays: aws.Int64(retention.MagneticStoreDays),
		},
	})
	return classify(err)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func toRecords(records []writer.Record) []types.Record {
	out := make([]types.Record, len(records))
	for i, r := range records {
		dims := make([]types.Dimension, len(r.Dimensions))
		for j, d := range r.Dimensions {
			dims[j] = types.Dimension{
				Name:               aws.String(d.Name),
				Value:              aws.String(d.Value),
				DimensionValueType: types.DimensionValueTypeVarchar,
			}
		}
		rec := types.Record{
			Dimensions:       dims,
			MeasureName:      aws.String(r.MeasureName),
			MeasureValue:     aws.String(r.MeasureValue),
			MeasureValueType: types.MeasureValueType(r.MeasureValueType),
			Time:             aws.String(r.Time),
			TimeUnit:         types.TimeUnit(r.TimeUnit),
		}
		if r.Version != 0 {
			rec.Version = aws.Int64(r.Version)
		}
		out[i] = rec
	}
	return out
}

// classify maps SDK errors onto the writer's error taxonomy. The SDK error
// stays in the chain for logging.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rejected *types.RejectedRecordsException
	if errors.As(err, &rejected) {
		out := &writer.RejectedRecordsError{Records: make([]writer.RejectedRecord, 0, len(rejected.RejectedRecords))}
		for _, r := range rejected.RejectedRecords {
			out.Records = append(out.Records, writer.RejectedRecord{
				Index:  int(r.RecordIndex),
				Reason: aws.ToString(r.Reason),
			})
		}
		return out
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException":
		return fmt.Errorf("%w: %w", writer.ErrThrottled, err)
	case "InternalServerException":
		return fmt.Errorf("%w: %w", writer.ErrInternalServer, err)
	case "ResourceNotFoundException":
		return fmt.Errorf("%w: %w", writer.ErrResourceNotFound, err)
	case "ValidationException":
		return fmt.Errorf("%w: %w", writer.ErrValidation, err)
	case "ConflictException":
		return fmt.Errorf("%w: %w", writer.ErrConflict, err)
	default:
		return err
	}
}
