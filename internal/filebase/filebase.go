// Package filebase stores content in a Filebase IPFS bucket.
//
// Uploads go through S3 presigned PUT requests. Filebase pins every object
// it receives and reports the resulting CID in the x-amz-meta-cid response
// header. Reads go through a public IPFS HTTP gateway.
package filebase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/i5heu/ouroboros-tickets/pkg/contentstore"
	"github.com/ipfs/go-cid"
)

const (
	DefaultEndpoint   = "https://s3.filebase.com"
	DefaultRegion     = "us-east-1"
	DefaultBucket     = "rest"
	DefaultGatewayURL = "https://ipfs.io"
	DefaultPresignTTL = 60 * time.Second

	defaultFetchRetries  = 3
	defaultMaxObjectSize = 64 << 20

	headerContentID = "x-amz-meta-cid"

	logKeyObjectKey = "objectKey"
	logKeyContentID = "contentId"
	logKeyStatus    = "status"
)

// Config configures a Store. Zero values take the Default* constants.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
	Bucket          string
	GatewayURL      string
	PresignTTL      time.Duration
	// FetchRetries is the number of gateway retries after the first attempt.
	FetchRetries int
	// MaxObjectSize caps the bytes read from the gateway.
	MaxObjectSize int64
	// HTTPClient overrides the transport of both upload and fetch clients.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Store implements contentstore.Backend against Filebase and an IPFS gateway.
type Store struct { // A
	conf    Config
	presign *s3.PresignClient
	upload  *retryablehttp.Client
	fetch   *retryablehttp.Client
	log     *slog.Logger
}

var _ contentstore.Backend = (*Store)(nil)

// New builds the S3 presign client and the HTTP clients. It does not touch
// the network.
func New(ctx context.Context, conf Config) (*Store, error) { // A
	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" {
		return nil, errors.New("filebase: access key id and secret are required")
	}
	if conf.Endpoint == "" {
		conf.Endpoint = DefaultEndpoint
	}
	if conf.Region == "" {
		conf.Region = DefaultRegion
	}
	if conf.Bucket == "" {
		conf.Bucket = DefaultBucket
	}
	if conf.GatewayURL == "" {
		conf.GatewayURL = DefaultGatewayURL
	}
	conf.GatewayURL = strings.TrimRight(conf.GatewayURL, "/")
	if conf.PresignTTL <= 0 {
		conf.PresignTTL = DefaultPresignTTL
	}
	if conf.FetchRetries < 0 {
		conf.FetchRetries = 0
	} else if conf.FetchRetries == 0 {
		conf.FetchRetries = defaultFetchRetries
	}
	if conf.MaxObjectSize <= 0 {
		conf.MaxObjectSize = defaultMaxObjectSize
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	awsConf, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(conf.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			conf.AccessKeyID, conf.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("filebase: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(conf.Endpoint)
		o.UsePathStyle = true
	})

	return &Store{
		conf:    conf,
		presign: s3.NewPresignClient(client),
		upload:  newHTTPClient(conf, 0),
		fetch:   newHTTPClient(conf, conf.FetchRetries),
		log:     conf.Logger,
	}, nil
}

// newHTTPClient returns a client that hands every final response back to the
// caller so the status can be classified.
func newHTTPClient(conf Config, retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = nil
	if conf.HTTPClient != nil {
		c.HTTPClient = conf.HTTPClient
	}
	return c
}

// AuthorizeUpload presigns a PUT for key valid for the configured TTL.
func (s *Store) AuthorizeUpload(
	ctx context.Context,
	key string,
	contentType string,
) (contentstore.UploadCapability, error) { // A
	issued := time.Now()
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.conf.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.conf.PresignTTL))
	if err != nil {
		return contentstore.UploadCapability{}, fmt.Errorf("%w: presign %s: %v", contentstore.ErrStoreUnavailable, key, err)
	}

	header := req.SignedHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", contentType)

	return contentstore.UploadCapability{
		Key:         key,
		ContentType: contentType,
		Method:      req.Method,
		URL:         req.URL,
		Header:      header,
		ExpiresAt:   issued.Add(s.conf.PresignTTL),
	}, nil
}

// Upload performs the presigned request and returns the CID Filebase
// assigned to the object.
func (s *Store) Upload(
	ctx context.Context,
	c contentstore.UploadCapability,
	data []byte,
) (string, error) { // A
	method := c.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.URL, data)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", contentstore.ErrStoreRejected, err)
	}
	for k, vs := range c.Header {
		if strings.EqualFold(k, "Host") {
			req.Host = vs[0]
			continue
		}
		req.Header[k] = vs
	}

	resp, err := s.upload.Do(req)
	if err != nil {
		closeBody(resp)
		return "", fmt.Errorf("%w: put %s: %v", contentstore.ErrStoreUnavailable, c.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if err := classifyStatus(resp.StatusCode); err != nil {
		s.log.WarnContext(ctx, "upload refused",
			logKeyObjectKey, c.Key,
			logKeyStatus, resp.StatusCode)
		return "", fmt.Errorf("put %s: %w", c.Key, err)
	}

	id := resp.Header.Get(headerContentID)
	if id == "" {
		return "", fmt.Errorf("%w: put %s: response carries no %s header", contentstore.ErrStoreRejected, c.Key, headerContentID)
	}
	if _, err := cid.Decode(id); err != nil {
		return "", fmt.Errorf("%w: put %s: invalid cid %q", contentstore.ErrStoreRejected, c.Key, id)
	}

	s.log.DebugContext(ctx, "object pinned",
		logKeyObjectKey, c.Key,
		logKeyContentID, id)
	return id, nil
}

// Fetch reads contentID from the gateway. Raw-codec ids are verified against
// the returned bytes.
func (s *Store) Fetch(ctx context.Context, contentID string) ([]byte, error) { // A
	want, err := cid.Decode(contentID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cid %q", contentstore.ErrContentNotFound, contentID)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.conf.GatewayURL+"/ipfs/"+want.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", contentstore.ErrStoreRejected, err)
	}

	resp, err := s.fetch.Do(req)
	if err != nil {
		closeBody(resp)
		return nil, fmt.Errorf("%w: get %s: %v", contentstore.ErrStoreUnavailable, contentID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", contentstore.ErrContentNotFound, contentID)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("get %s: %w", contentID, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.conf.MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", contentstore.ErrStoreUnavailable, contentID, err)
	}
	if int64(len(body)) > s.conf.MaxObjectSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", contentstore.ErrStoreRejected, contentID, s.conf.MaxObjectSize)
	}

	if want.Prefix().Codec == cid.Raw {
		got, err := want.Prefix().Sum(body)
		if err != nil || !got.Equals(want) {
			return nil, fmt.Errorf("%w: gateway bytes do not hash to %s", contentstore.ErrContentCorrupt, contentID)
		}
	}
	return body, nil
}

// closeBody releases a response the passthrough error handler returned
// alongside an error.
func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", contentstore.ErrStoreUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", contentstore.ErrStoreRejected, code)
	}
}
