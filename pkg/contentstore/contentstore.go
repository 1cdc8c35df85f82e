// Package contentstore is the gateway between the ticket pipeline and a
// content-addressed store.
//
// A store backend is split into three roles: an Authorizer that hands out
// short-lived, single-use upload capabilities, an Uploader that spends a
// capability on one buffer, and a Fetcher that resolves content ids. Gateway
// composes them so that every Put obtains its own capability immediately
// before the upload. Capabilities are never cached or shared.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreUnavailable is a transport-level failure. Retryable.
	ErrStoreUnavailable = errors.New("contentstore: store unavailable")
	// ErrStoreRejected is a definitive refusal (size limit, bad request,
	// spent capability). Not retryable.
	ErrStoreRejected = errors.New("contentstore: store rejected request")
	// ErrContentNotFound means the store has no content for the id.
	ErrContentNotFound = errors.New("contentstore: content not found")
	// ErrContentCorrupt means stored bytes no longer match their id.
	ErrContentCorrupt = errors.New("contentstore: content corrupt")
	// ErrCapabilityExpired is returned when a capability is past its
	// deadline before the upload starts.
	ErrCapabilityExpired = fmt.Errorf("%w: upload capability expired", ErrStoreRejected)
)

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool { // A
	return errors.Is(err, ErrStoreUnavailable)
}

// Record describes stored content.
type Record struct { // A
	ContentID string
	SizeBytes int64
}

// UploadCapability is a time-limited write permission for one object.
type UploadCapability struct { // A
	Key         string
	ContentType string
	Method      string
	URL         string
	Header      http.Header
	ExpiresAt   time.Time
}

// Expired reports whether the capability is no longer usable at now.
func (c UploadCapability) Expired(now time.Time) bool { // A
	return !now.Before(c.ExpiresAt)
}

// Authorizer issues upload capabilities.
type Authorizer interface {
	AuthorizeUpload(
		ctx context.Context,
		key string,
		contentType string,
	) (UploadCapability, error)
}

// Uploader spends a capability and returns the content id of data.
type Uploader interface {
	Upload(
		ctx context.Context,
		capability UploadCapability,
		data []byte,
	) (string, error)
}

// Fetcher resolves a content id to the stored bytes.
type Fetcher interface {
	Fetch(ctx context.Context, contentID string) ([]byte, error)
}

// Backend is a store that plays all three roles.
type Backend interface {
	Authorizer
	Uploader
	Fetcher
}

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

func (realClock) Now() time.Time { // A
	return time.Now()
}

const (
	logKeyObjectKey = "objectKey"
	logKeyContentID = "contentId"
	logKeySize      = "sizeBytes"

	defaultContentType = "application/octet-stream"
	defaultKeyPrefix   = "ticket"
)

// Config configures a Gateway.
type Config struct {
	Authorizer Authorizer
	Uploader   Uploader
	Fetcher    Fetcher
	// KeyPrefix prefixes generated object keys. Defaults to "ticket".
	KeyPrefix string
	// ContentType is sent with every upload. Defaults to
	// application/octet-stream.
	ContentType string
	Clock       Clock
	Logger      *slog.Logger
}

// Gateway implements Put and Get on top of a store backend.
type Gateway struct { // A
	authorizer  Authorizer
	uploader    Uploader
	fetcher     Fetcher
	keyPrefix   string
	contentType string
	clock       Clock
	log         *slog.Logger
}

// NewGateway validates conf and returns a Gateway.
func NewGateway(conf Config) (*Gateway, error) { // A
	if conf.Authorizer == nil || conf.Uploader == nil || conf.Fetcher == nil {
		return nil, errors.New("contentstore: authorizer, uploader and fetcher are required")
	}
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = defaultKeyPrefix
	}
	if conf.ContentType == "" {
		conf.ContentType = defaultContentType
	}
	if conf.Clock == nil {
		conf.Clock = realClock{}
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Gateway{
		authorizer:  conf.Authorizer,
		uploader:    conf.Uploader,
		fetcher:     conf.Fetcher,
		keyPrefix:   conf.KeyPrefix,
		contentType: conf.ContentType,
		clock:       conf.Clock,
		log:         conf.Logger,
	}, nil
}

// ForBackend is NewGateway with one backend in all three roles.
func ForBackend(b Backend, conf Config) (*Gateway, error) { // A
	conf.Authorizer = b
	conf.Uploader = b
	conf.Fetcher = b
	return NewGateway(conf)
}

// Put uploads data under a freshly authorized object key.
func (g *Gateway) Put(ctx context.Context, data []byte) (Record, error) { // A
	key := fmt.Sprintf("%s-%s.bin", g.keyPrefix, uuid.NewString())

	capability, err := g.authorizer.AuthorizeUpload(ctx, key, g.contentType)
	if err != nil {
		return Record{}, fmt.Errorf("authorize upload %s: %w", key, err)
	}
	if capability.Expired(g.clock.Now()) {
		return Record{}, fmt.Errorf("upload %s: %w", key, ErrCapabilityExpired)
	}

	id, err := g.uploader.Upload(ctx, capability, data)
	if err != nil {
		return Record{}, fmt.Errorf("upload %s: %w", key, err)
	}

	g.log.DebugContext(ctx, "content stored",
		logKeyObjectKey, key,
		logKeyContentID, id,
		logKeySize, len(data))

	return Record{ContentID: id, SizeBytes: int64(len(data))}, nil
}

// Get fetches the bytes stored under contentID.
func (g *Gateway) Get(ctx context.Context, contentID string) ([]byte, error) { // A
	if contentID == "" {
		return nil, fmt.Errorf("get: empty content id: %w", ErrContentNotFound)
	}
	data, err := g.fetcher.Fetch(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", contentID, err)
	}
	return data, nil
}
