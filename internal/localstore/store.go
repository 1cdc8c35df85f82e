// Package localstore is a single-node content-addressed store on BadgerDB.
//
// Content ids are CIDv1 (raw codec, sha2-256), the same ids an IPFS pinning
// service reports for raw blocks. Payloads are split with a buzhash chunker,
// each chunk is zstd-compressed and stored once under its SHA-256, and a
// manifest maps the CID to its chunk list. Uploads need a single-use
// capability from AuthorizeUpload, mirroring presigned URLs of a remote store.
package localstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-tickets/pkg/contentstore"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const (
	prefixChunk    = "c/"
	prefixManifest = "m/"
	prefixObject   = "o/"

	defaultCapabilityTTL = time.Minute

	logKeyPath      = "path"
	logKeyContentID = "contentId"
	logKeyChunks    = "chunks"
)

// Config configures a Store.
type Config struct {
	// Path is the badger directory. Empty means in-memory.
	Path string
	// MinimumFreeGB is checked against the filesystem of Path at open.
	MinimumFreeGB uint64
	// MaxObjectSize rejects larger uploads. Zero means unlimited.
	MaxObjectSize int64
	// CapabilityTTL bounds the lifetime of upload capabilities.
	CapabilityTTL time.Duration
	Clock         contentstore.Clock
	Logger        *slog.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store implements contentstore.Backend.
type Store struct { // A
	conf Config
	db   *badger.DB
	log  *slog.Logger
	enc  *zstd.Encoder
	dec  *zstd.Decoder

	mu      sync.Mutex
	pending map[string]contentstore.UploadCapability
}

var _ contentstore.Backend = (*Store)(nil)

// Open opens (or creates) the store.
func Open(conf Config) (*Store, error) { // A
	if conf.CapabilityTTL <= 0 {
		conf.CapabilityTTL = defaultCapabilityTTL
	}
	if conf.Clock == nil {
		conf.Clock = systemClock{}
	}
	if conf.Logger == nil {
		conf.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if err := checkConfig(conf); err != nil {
		return nil, fmt.Errorf("error checking config for localstore: %w", err)
	}

	opts := badger.DefaultOptions(conf.Path)
	if conf.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger())

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	conf.Logger.Debug("localstore opened", logKeyPath, conf.Path)

	return &Store{
		conf:    conf,
		db:      db,
		log:     conf.Logger,
		enc:     enc,
		dec:     dec,
		pending: make(map[string]contentstore.UploadCapability),
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { // A
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// AuthorizeUpload issues a random single-use capability.
func (s *Store) AuthorizeUpload(
	ctx context.Context,
	key string,
	contentType string,
) (contentstore.UploadCapability, error) { // A
	if err := ctx.Err(); err != nil {
		return contentstore.UploadCapability{}, fmt.Errorf("%w: %v", contentstore.ErrStoreUnavailable, err)
	}

	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return contentstore.UploadCapability{}, fmt.Errorf("capability token: %w", err)
	}

	c := contentstore.UploadCapability{
		Key:         key,
		ContentType: contentType,
		Method:      "PUT",
		URL:         "local://" + hex.EncodeToString(token[:]),
		ExpiresAt:   s.conf.Clock.Now().Add(s.conf.CapabilityTTL),
	}

	s.mu.Lock()
	s.evictExpired()
	s.pending[c.URL] = c
	s.mu.Unlock()

	return c, nil
}

// Upload spends c and stores data. The returned id is the CID of data.
func (s *Store) Upload(
	ctx context.Context,
	c contentstore.UploadCapability,
	data []byte,
) (string, error) { // A
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", contentstore.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	issued, ok := s.pending[c.URL]
	delete(s.pending, c.URL)
	s.mu.Unlock()

	if !ok || issued.Key != c.Key {
		return "", fmt.Errorf("%w: unknown or spent capability", contentstore.ErrStoreRejected)
	}
	if issued.Expired(s.conf.Clock.Now()) {
		return "", contentstore.ErrCapabilityExpired
	}
	if s.conf.MaxObjectSize > 0 && int64(len(data)) > s.conf.MaxObjectSize {
		return "", fmt.Errorf(
			"%w: object of %d bytes exceeds limit of %d",
			contentstore.ErrStoreRejected, len(data), s.conf.MaxObjectSize,
		)
	}

	id, err := ContentID(data)
	if err != nil {
		return "", err
	}

	chunks, err := chunkPayload(data)
	if err != nil {
		return "", fmt.Errorf("chunk payload: %w", err)
	}

	hashes := make([][sha256.Size]byte, len(chunks))
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, chunk := range chunks {
		hashes[i] = sha256.Sum256(chunk)
		if err := wb.Set(chunkKey(hashes[i]), s.enc.EncodeAll(chunk, nil)); err != nil {
			return "", fmt.Errorf("%w: write chunk: %v", contentstore.ErrStoreUnavailable, err)
		}
	}
	// The manifest goes last so that a readable manifest implies its chunks.
	if err := wb.Flush(); err != nil {
		return "", fmt.Errorf("%w: flush chunks: %v", contentstore.ErrStoreUnavailable, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixManifest+id), encodeManifest(uint64(len(data)), hashes)); err != nil {
			return err
		}
		return txn.Set([]byte(prefixObject+c.Key), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("%w: write manifest: %v", contentstore.ErrStoreUnavailable, err)
	}

	s.log.DebugContext(ctx, "content stored",
		logKeyContentID, id,
		logKeyChunks, len(chunks))

	return id, nil
}

// Fetch returns the bytes stored under contentID and re-checks the CID.
func (s *Store) Fetch(ctx context.Context, contentID string) ([]byte, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", contentstore.ErrStoreUnavailable, err)
	}
	want, err := cid.Decode(contentID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cid %q", contentstore.ErrContentNotFound, contentID)
	}

	var (
		out   []byte
		found bool
	)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixManifest + want.String()))
		if err != nil {
			return err
		}
		found = true
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		size, hashes, err := decodeManifest(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", contentstore.ErrContentCorrupt, err)
		}

		if s.conf.MaxObjectSize > 0 {
			if size > uint64(s.conf.MaxObjectSize) {
				return fmt.Errorf("%w: manifest size %d exceeds %d bytes",
					contentstore.ErrContentCorrupt, size, s.conf.MaxObjectSize)
			}
			out = make([]byte, 0, size)
		}
		for _, h := range hashes {
			item, err := txn.Get(chunkKey(h))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: chunk %x missing", contentstore.ErrContentCorrupt, h)
			}
			if err != nil {
				return err
			}
			compressed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			chunk, err := s.dec.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("%w: chunk %x: %v", contentstore.ErrContentCorrupt, h, err)
			}
			out = append(out, chunk...)
		}
		if uint64(len(out)) != size {
			return fmt.Errorf("%w: manifest size %d, reassembled %d bytes",
				contentstore.ErrContentCorrupt, size, len(out))
		}
		return nil
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound) && !found:
		return nil, fmt.Errorf("%w: %s", contentstore.ErrContentNotFound, contentID)
	case errors.Is(err, contentstore.ErrContentCorrupt):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %v", contentstore.ErrStoreUnavailable, err)
	}

	got, err := ContentID(out)
	if err != nil {
		return nil, err
	}
	if got != want.String() {
		return nil, fmt.Errorf("%w: %s reassembled as %s", contentstore.ErrContentCorrupt, contentID, got)
	}
	return out, nil
}

// Lookup resolves an object key from a past upload to its content id.
func (s *Store) Lookup(key string) (string, error) { // A
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixObject + key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: object %s", contentstore.ErrContentNotFound, key)
	}
	return id, err
}

// ContentID returns the CIDv1 (raw, sha2-256) of data.
func ContentID(data []byte) (string, error) { // A
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// evictExpired drops capabilities that can no longer be spent. Must be
// called with mu held.
func (s *Store) evictExpired() {
	now := s.conf.Clock.Now()
	for k, c := range s.pending {
		if c.Expired(now) {
			delete(s.pending, k)
		}
	}
}

func chunkPayload(payload []byte) ([][]byte, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(payload))
	var chunks [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

func chunkKey(h [sha256.Size]byte) []byte {
	return append([]byte(prefixChunk), h[:]...)
}

func checkConfig(conf Config) error {
	if conf.MaxObjectSize < 0 {
		return errors.New("MaxObjectSize must not be negative")
	}
	if conf.Path == "" || conf.MinimumFreeGB == 0 {
		return nil
	}
	if err := os.MkdirAll(conf.Path, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", conf.Path, err)
	}
	usage, err := disk.Usage(conf.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", conf.Path, err)
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	if freeGB < conf.MinimumFreeGB {
		return fmt.Errorf(
			"not enough space available on disk: %d GB free, %d GB required",
			freeGB, conf.MinimumFreeGB,
		)
	}
	return nil
}

// badger is chatty at info level.
func badgerLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}
