// Package cloudsync is the public, embeddable entry point to the CRDT
// replication core. Most callers only need Open and the Engine methods it
// returns; the internal/ packages are the implementation, re-exported here
// for library consumers.
package cloudsync

import (
	"context"

	"github.com/ncruces/go-sqlite3"

	"github.com/tigawanna/sqlite-sync/internal/changeview"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/engine"
	"github.com/tigawanna/sqlite-sync/internal/registry"
	"github.com/tigawanna/sqlite-sync/internal/transport"
)

// Engine is the connection-owning context: one registry, one version
// clock, one capturer, one merge engine, bound to the one host SQLite
// connection the application also uses for its own SQL.
type Engine = engine.Engine

// Option configures an Engine at construction time.
type Option = engine.Option

// WithMergeEqualValues sets the internal site_id tie-break flag
// ("merge_equal_values"), not part of the public SQL surface.
func WithMergeEqualValues(on bool) Option { return engine.WithMergeEqualValues(on) }

// WithCompressThreshold sets the raw payload-body size below which
// PayloadEncode skips LZ4 compression.
func WithCompressThreshold(bytes int) Option { return engine.WithCompressThreshold(bytes) }

// Open builds an Engine bound to conn, registering the public SQL-callable
// function surface, commit/rollback hooks, and the cloudsync_changes
// virtual table on that connection. The caller keeps ownership of conn and
// runs its own SQL through it; triggers created by Init route change
// capture back into the engine.
func Open(conn *sqlite3.Conn, opts ...Option) (*Engine, error) {
	return engine.Open(conn, opts...)
}

// OpenPath opens filename with the embedded SQLite build and wires a fresh
// Engine to the new connection, a convenience for hosts without their own
// connection handling. Closing the returned connection is the caller's
// responsibility, after Engine.Close.
func OpenPath(filename string, opts ...Option) (*sqlite3.Conn, *Engine, error) {
	conn, err := sqlite3.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, eng, nil
}

// Algorithm is the CRDT merge discipline a managed table is registered
// under: cls (default), gos, dws, aws.
type Algorithm = csync.Algorithm

const (
	AlgoCLS = csync.AlgoCLS
	AlgoGOS = csync.AlgoGOS
	AlgoDWS = csync.AlgoDWS
	AlgoAWS = csync.AlgoAWS
)

// Sentinel errors for the error taxonomy. Callers use errors.Is
// against these.
var (
	ErrMisuse         = csync.ErrMisuse
	ErrConstraint     = csync.ErrConstraint
	ErrSchemaMismatch = csync.ErrSchemaMismatch
	ErrFatal          = csync.ErrFatal
	ErrTransport      = csync.ErrTransport
)

// ChangeRow is the nine-field tuple that flows through the change view, the
// payload codec, and the merge engine.
type ChangeRow = csync.ChangeRow

// Filter narrows a change-log read by db_version/site_id, the predicates
// cloudsync_changes' xBestIndex costs.
type Filter = changeview.Filter

// TableInfo summarizes one managed table's registry entry, as surfaced by
// Describe and the status command.
type TableInfo = registry.Describe

// Describe lists every table currently registered on e.
func Describe(e *Engine) []TableInfo { return e.Registry().Describe() }

// TransportClient drives the HTTP check/upload-request/upload-commit/sync
// loop.
type TransportClient = transport.Client

// TransportEndpoints are the three derived URLs
type TransportEndpoints = transport.Endpoints

// DeriveTransportEndpoints parses a connection string of the form
// scheme://host[:port]/database[?apikey=…|?token=…] into the endpoint bases.
func DeriveTransportEndpoints(connString, siteIDHex string) (TransportEndpoints, error) {
	return transport.DeriveEndpoints(connString, siteIDHex)
}

// NewTransportClient returns a Client bound to eps.
func NewTransportClient(eps TransportEndpoints) *TransportClient { return transport.New(eps) }

// SyncResult reports one poll pass's outcome (pushed/pulled row counts).
type SyncResult = transport.SyncResult

// Sync drives up to maxRetries passes of push-then-pull against c's
// endpoints, using e's change view, merge engine, settings store, and
// schema hash as the sync dependencies.
func Sync(ctx context.Context, c *TransportClient, e *Engine, waitMs, maxRetries int) (SyncResult, error) {
	deps := transport.SyncDeps{
		View:       e.View(),
		Applier:    e.Applier(),
		Settings:   e.Settings(),
		SchemaHash: e.SchemaHash,
	}
	return c.Sync(ctx, deps, waitMs, maxRetries)
}

// ResetSyncVersion clears the four persisted sync cursors, forcing the next
// Sync to push and pull from db_version 0. Used after a schema-evolution
// cycle or a manual resync request.
func ResetSyncVersion(e *Engine) error {
	return transport.ResetSyncVersion(e.Settings())
}
