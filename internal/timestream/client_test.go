package timestream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/google/go-cmp/cmp"

	"github.com/kon-rad/tswriter/internal/writer"
)

type fakeAPI struct {
	writeInput  *timestreamwrite.WriteRecordsInput
	createInput *timestreamwrite.CreateTableInput
	deadline    bool
	remaining   time.Duration
	err         error
}

func (f *fakeAPI) WriteRecords(ctx context.Context, in *timestreamwrite.WriteRecordsInput, _ ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error) {
	f.writeInput = in
	var d time.Time
	if d, f.deadline = ctx.Deadline(); f.deadline {
		f.remaining = time.Until(d)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &timestreamwrite.WriteRecordsOutput{}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, in *timestreamwrite.CreateTableInput, _ ...func(*timestreamwrite.Options)) (*timestreamwrite.CreateTableOutput, error) {
	f.createInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &timestreamwrite.CreateTableOutput{}, nil
}

func TestWriteBuildsRequest(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := New(api, time.Second)
	batch := writer.NewWriteBatch("devops", "host_metrics", []writer.Record{{
		Dimensions:       []writer.Dimension{{Name: "region", Value: "us-east-1"}, {Name: "hostname", Value: "host-1"}},
		MeasureName:      "cpu_user",
		MeasureValue:     "13.5",
		MeasureValueType: writer.MeasureDouble,
		Time:             "1584502929599",
		TimeUnit:         writer.Milliseconds,
		Version:          3,
	}})

	if err := c.Write(context.Background(), batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !api.deadline {
		t.Fatalf("write call had no deadline")
	}

	in := api.writeInput
	if aws.ToString(in.DatabaseName) != "devops" || aws.ToString(in.TableName) != "host_metrics" {
		t.Fatalf("target = %s.%s, want devops.host_metrics", aws.ToString(in.DatabaseName), aws.ToString(in.TableName))
	}
	if len(in.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(in.Records))
	}
	rec := in.Records[0]
	got := map[string]string{
		"measure_name":  aws.ToString(rec.MeasureName),
		"measure_value": aws.ToString(rec.MeasureValue),
		"type":          string(rec.MeasureValueType),
		"time":          aws.ToString(rec.Time),
		"unit":          string(rec.TimeUnit),
		"region":        aws.ToString(rec.Dimensions[0].Value),
		"hostname":      aws.ToString(rec.Dimensions[1].Value),
	}
	want := map[string]string{
		"measure_name":  "cpu_user",
		"measure_value": "13.5",
		"type":          "DOUBLE",
		"time":          "1584502929599",
		"unit":          "MILLISECONDS",
		"region":        "us-east-1",
		"hostname":      "host-1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	if aws.ToInt64(rec.Version) != 3 {
		t.Fatalf("version = %d, want 3", aws.ToInt64(rec.Version))
	}
}

func TestWriteOmitsZeroVersion(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := New(api, 0)
	batch := writer.NewWriteBatch("db", "tbl", []writer.Record{{MeasureName: "m", MeasureValue: "1", Time: "1"}})
	if err := c.Write(context.Background(), batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if api.writeInput.Records[0].Version != nil {
		t.Fatalf("version should be unset")
	}
	if api.deadline {
		t.Fatalf("zero call timeout should not set a deadline")
	}
}

func TestWriteClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "throttling", err: &types.ThrottlingException{Message: aws.String("slow down")}, want: writer.ErrThrottled},
		{name: "internal", err: &types.InternalServerException{Message: aws.String("oops")}, want: writer.ErrInternalServer},
		{name: "not found", err: &types.ResourceNotFoundException{Message: aws.String("no table")}, want: writer.ErrResourceNotFound},
		{name: "validation", err: &types.ValidationException{Message: aws.String("bad")}, want: writer.ErrValidation},
		{name: "conflict", err: &types.ConflictException{Message: aws.String("exists")}, want: writer.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := New(&fakeAPI{err: tt.err}, time.Second)
			err := c.Write(context.Background(), writer.NewWriteBatch("db", "tbl", nil))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !errors.As(err, new(interface{ ErrorCode() string })) {
				t.Fatalf("sdk error lost from chain: %v", err)
			}
		})
	}
}

func TestWriteUnknownErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial tcp: connection refused")
	c := New(&fakeAPI{err: boom}, time.Second)
	err := c.Write(context.Background(), writer.NewWriteBatch("db", "tbl", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	for _, sentinel := range []error{writer.ErrThrottled, writer.ErrInternalServer, writer.ErrResourceNotFound, writer.ErrValidation} {
		if errors.Is(err, sentinel) {
			t.Fatalf("unknown error classified as %v", sentinel)
		}
	}
}

func TestWriteMapsRejectedRecords(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: &types.RejectedRecordsException{
		Message: aws.String("One or more records have been rejected."),
		RejectedRecords: []types.RejectedRecord{
			{RecordIndex: 1, Reason: aws.String(writer.StaleVersionReason)},
			{RecordIndex: 4, Reason: aws.String("Measure value type mismatch")},
		},
	}}
	c := New(api, time.Second)
	err := c.Write(context.Background(), writer.NewWriteBatch("db", "tbl", nil))

	var rejected *writer.RejectedRecordsError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want *RejectedRecordsError", err)
	}
	want := []writer.RejectedRecord{
		{Index: 1, Reason: writer.StaleVersionReason},
		{Index: 4, Reason: "Measure value type mismatch"},
	}
	if diff := cmp.Diff(want, rejected.Records); diff != "" {
		t.Fatalf("rejections mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateTable(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := New(api, time.Second)
	err := c.CreateTable(context.Background(), "db", "tbl", writer.RetentionPolicy{MemoryStoreHours: 6, MagneticStoreDays: 365})
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	props := api.createInput.RetentionProperties
	if aws.ToInt64(props.MemoryStoreRetentionPeriodInHours) != 6 || aws.ToInt64(props.MagneticStoreRetentionPeriodInDays) != 365 {
		t.Fatalf("retention = %d h / %d d, want 6 h / 365 d",
			aws.ToInt64(props.MemoryStoreRetentionPeriodInHours), aws.ToInt64(props.MagneticStoreRetentionPeriodInDays))
	}

	api.err = &types.ConflictException{Message: aws.String("Table tbl already exists")}
	if err := c.CreateTable(context.Background(), "db", "tbl", writer.RetentionPolicy{MemoryStoreHours: 1, MagneticStoreDays: 1}); !errors.Is(err, writer.ErrConflict) {
		t.Fatalf("create existing table error = %v, want ErrConflict", err)
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	opts := Options{}
	opts.setDefaults()
	tr, err := newTransport(opts)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if tr.MaxConnsPerHost != DefaultMaxConnections {
		t.Fatalf("max conns per host = %d, want %d", tr.MaxConnsPerHost, DefaultMaxConnections)
	}
	if tr.ResponseHeaderTimeout != DefaultCallTimeout {
		t.Fatalf("response header timeout = %s, want %s", tr.ResponseHeaderTimeout, DefaultCallTimeout)
	}
	if opts.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("max attempts = %d, want %d", opts.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestCallDeadlineCoversEverySDKAttempt(t *testing.T) {
	t.Parallel()

	opts := Options{CallTimeout: 2 * time.Second, MaxAttempts: 5}
	opts.setDefaults()
	if got, want := opts.overallTimeout(), 10*time.Second; got != want {
		t.Fatalf("overall timeout = %s, want %s", got, want)
	}

	api := &fakeAPI{}
	c := New(api, opts.overallTimeout())
	if err := c.Write(context.Background(), writer.NewWriteBatch("db", "tbl", nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !api.deadline {
		t.Fatalf("write call had no deadline")
	}
	if api.remaining <= opts.CallTimeout*time.Duration(opts.MaxAttempts-1) {
		t.Fatalf("remaining deadline = %s, want room for %d attempts of %s", api.remaining, opts.MaxAttempts, opts.CallTimeout)
	}
}
