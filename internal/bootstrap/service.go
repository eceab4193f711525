// Package bootstrap hydrates the full replicated state of a document for a
// newly joining session, combining the newest object-storage snapshot with
// the op-log tail recorded since it was taken.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/shared-state-engine/internal/engine"
	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/snapshot"
	"github.com/example/shared-state-engine/internal/storage"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

// Log provides the read operations required to hydrate a document.
type Log interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.Record) error) error
}

// SnapshotLoader fetches snapshot payloads from object storage.
type SnapshotLoader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// Authorizer validates that a caller can access a particular document.
type Authorizer interface {
	Authorize(ctx context.Context, docID types.DocumentID) error
}

// AllowAllAuthorizer is a no-op authorizer for deployments that validate
// callers upstream.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(context.Context, types.DocumentID) error { return nil }

// Request names the document to hydrate.
type Request struct {
	Document types.DocumentID
}

// Response carries everything a fresh replica needs: the op stream that
// reconstructs the document (tombstones included), the LWW property cells,
// and the op-log position the state corresponds to. Text is a convenience
// projection of the op stream.
type Response struct {
	Document    types.DocumentID      `json:"document_id"`
	OperationID types.OperationID     `json:"operation_id"`
	LSN         int64                 `json:"lsn"`
	Text        string                `json:"text"`
	Ops         []sequence.Op         `json:"ops"`
	Properties  []wire.PropertyRecord `json:"properties,omitempty"`
}

// Service hydrates documents, caching recently assembled states so join
// storms do not repeatedly rescan the op log.
type Service struct {
	log    Log
	bucket string
	loader SnapshotLoader
	auth   Authorizer
	cache  *stateCache
	logger zerolog.Logger
	siteID types.SiteID
}

// ServiceConfig configures optional behaviours.
type ServiceConfig struct {
	Authorizer Authorizer
	CacheSize  int
	SiteID     types.SiteID
}

// NewService constructs a bootstrap service backed by the provided op log
// reader and object storage loader.
func NewService(log Log, bucket string, loader SnapshotLoader, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	siteID := cfg.SiteID
	if siteID == "" {
		siteID = "bootstrap"
	}

	return &Service{
		log:    log,
		bucket: bucket,
		loader: loader,
		auth:   cfg.Authorizer,
		cache:  newStateCache(cacheSize),
		logger: logger,
		siteID: siteID,
	}
}

// Hydrate assembles the current state of the requested document.
func (s *Service) Hydrate(ctx context.Context, req Request) (Response, error) {
	if req.Document == "" {
		return Response{}, errors.New("document id is required")
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, req.Document); err != nil {
			return Response{}, fmt.Errorf("access denied: %w", err)
		}
	}

	eng := engine.New(s.siteID, s.logger)

	if cached, ok := s.cache.Get(req.Document); ok {
		eng.Restore(req.Document, cached.Ops, cached.Properties, cached.LastOp, cached.LSN)
		return s.replayTail(ctx, eng, req.Document, cached.LSN)
	}

	fromLSN, err := s.restoreSnapshot(ctx, eng, req.Document)
	if err != nil {
		return Response{}, err
	}

	return s.replayTail(ctx, eng, req.Document, fromLSN)
}

func (s *Service) restoreSnapshot(ctx context.Context, eng *engine.Engine, docID types.DocumentID) (int64, error) {
	ref, err := s.log.LatestSnapshot(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("find snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return 0, nil
	}

	data, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return 0, fmt.Errorf("load snapshot object: %w", err)
	}

	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Document != "" && payload.Document != docID {
		s.logger.Warn().Str("document", string(docID)).Str("snapshot_doc", string(payload.Document)).Msg("snapshot document mismatch")
	}

	eng.Restore(docID, payload.Ops, payload.Properties, payload.LastOpID, ref.LastLSN)
	return ref.LastLSN, nil
}

func (s *Service) replayTail(ctx context.Context, eng *engine.Engine, docID types.DocumentID, fromLSN int64) (Response, error) {
	err := s.log.ReplayDocument(ctx, docID, fromLSN, func(record types.Record) error {
		return eng.ApplyRecord(record)
	})
	if err != nil {
		return Response{}, fmt.Errorf("replay document: %w", err)
	}

	lsn := eng.LastLSN(docID)
	if lsn == 0 {
		lsn = fromLSN
	}
	resp := Response{
		Document:    docID,
		OperationID: eng.LastOperation(docID),
		LSN:         lsn,
		Text:        eng.VisibleText(docID),
		Ops:         eng.AllOps(docID),
		Properties:  eng.PropertyRecords(docID),
	}

	s.cache.Put(docID, cacheEntry{
		LSN:        resp.LSN,
		LastOp:     resp.OperationID,
		Ops:        append([]sequence.Op(nil), resp.Ops...),
		Properties: append([]wire.PropertyRecord(nil), resp.Properties...),
	})

	return resp, nil
}

// ObjectLoader fetches raw bytes from object storage.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements SnapshotLoader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// MemoryLoader serves embedded snapshots in tests.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements SnapshotLoader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}
