package timestream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"golang.org/x/net/http2"
)

// Recommended client tuning for write-heavy workloads.
const (
	DefaultMaxConnections = 5000
	DefaultCallTimeout    = 20 * time.Second
	DefaultMaxAttempts    = 10
)

type Options struct {
	Region string
	// Endpoint overrides the service endpoint and disables endpoint discovery.
	Endpoint       string
	MaxConnections int
	CallTimeout    time.Duration
	MaxAttempts    int
}

func (o *Options) setDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
}

// overallTimeout bounds one logical call across every SDK attempt. Each
// attempt is bounded separately by the transport's ResponseHeaderTimeout.
func (o Options) overallTimeout() time.Duration {
	return o.CallTimeout * time.Duration(o.MaxAttempts)
}

// Dial builds an SDK client from the default credential chain and wraps it.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()

	tr, err := newTransport(opts)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(&http.Client{Transport: tr}),
		config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), opts.MaxAttempts)
		}),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := timestreamwrite.NewFromConfig(cfg, func(o *timestreamwrite.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.EndpointDiscovery.EnableEndpointDiscovery = aws.EndpointDiscoveryDisabled
		}
	})
	return New(api, opts.overallTimeout()), nil
}

func newTransport(opts Options) (*http.Transport, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: opts.CallTimeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxConnections,
		MaxIdleConnsPerHost:   opts.MaxConnections,
		MaxConnsPerHost:       opts.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	return tr, nil
}
