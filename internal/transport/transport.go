// Package transport implements the HTTP transport glue: deriving the
// check/upload-request/upload-commit endpoints from a connection string,
// uploading/downloading a single payload blob, and the check-for-new-changes
// poll loop.
//
// Endpoint derivation parses scheme://host[:port]/database?apikey=... or
// ?token=... into the three endpoint URLs using Go's net/url. The HTTP
// client choice, github.com/hashicorp/go-retryablehttp, is a dependency of
// the pack-sibling repo mary-ext-tangled.sh-mirror that does real federated
// HTTP sync over a similar blob-fetch shape.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tigawanna/sqlite-sync/internal/changeview"
	"github.com/tigawanna/sqlite-sync/internal/csync"
	"github.com/tigawanna/sqlite-sync/internal/payload"
	"github.com/tigawanna/sqlite-sync/internal/settings"
)

const endpointPrefix = "v1/cloudsync"

// Endpoints are the three derived URLs
type Endpoints struct {
	Check         string // .../{site_id}/{db_version}/{seq}/check, db_version/seq appended per call
	UploadBase    string // .../{site_id}/upload
	Authorization string // "Bearer <key>" from ?apikey= or ?token=, empty if none
}

// DeriveEndpoints parses a connection string of the form
// scheme://host[:port]/database[?apikey=…|?token=…] into the three endpoint
// bases,
func DeriveEndpoints(connString, siteIDHex string) (Endpoints, error) {
	normalized := connString
	if strings.HasPrefix(normalized, "sqlitecloud://") {
		normalized = "https://" + strings.TrimPrefix(normalized, "sqlitecloud://")
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return Endpoints{}, fmt.Errorf("transport: %w: parse connection string: %v", csync.ErrMisuse, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoints{}, fmt.Errorf("transport: %w: connection string missing scheme or host", csync.ErrMisuse)
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		return Endpoints{}, fmt.Errorf("transport: %w: connection string missing database path", csync.ErrMisuse)
	}

	var auth string
	if key := u.Query().Get("apikey"); key != "" {
		auth = "Bearer " + key
	} else if tok := u.Query().Get("token"); tok != "" {
		auth = "Bearer " + tok
	}

	base := fmt.Sprintf("%s://%s/%s/%s/%s", u.Scheme, u.Host, endpointPrefix, database, siteIDHex)
	return Endpoints{
		Check:         base,
		UploadBase:    base + "/upload",
		Authorization: auth,
	}, nil
}

// Client drives the three HTTP calls over a retrying HTTP
// client, grounded on hashicorp/go-retryablehttp.
type Client struct {
	http *retryablehttp.Client
	eps  Endpoints
}

// New returns a Client bound to eps, backed by a retryablehttp client with
// its default retry policy and its logger disabled.
func New(eps Endpoints) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // cloudsync's own clog owns diagnostics, not retryablehttp's default logger
	return &Client{http: rc, eps: eps}
}

// Check implements the GET .../{site_id}/{db_version}/{seq}/check call:
// returns the URL of a blob containing newly available changes, or "" if
// there is nothing new.
func (c *Client) Check(ctx context.Context, dbVersion, seq int64) (blobURL string, err error) {
	checkURL := fmt.Sprintf("%s/%d/%d/check", c.eps.Check, dbVersion, seq)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", fmt.Errorf("transport: %w: build check request: %v", csync.ErrTransport, err)
	}
	c.setAuth(req.Request)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: %w: check request: %v", csync.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: %w: read check response: %v", csync.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: %w: check returned %d: %s", csync.ErrTransport, resp.StatusCode, body)
	}
	return strings.TrimSpace(string(body)), nil
}

// Download fetches the blob at blobURL, the payload returned by Check or by
// an upload-request's pre-signed URL.
func (c *Client) Download(ctx context.Context, blobURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w: build download request: %v", csync.ErrTransport, err)
	}
	c.setAuth(req.Request)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w: download request: %v", csync.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: %w: read download body: %v", csync.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: %w: download returned %d", csync.ErrTransport, resp.StatusCode)
	}
	return body, nil
}

// UploadRequest implements GET .../{site_id}/upload: returns a pre-signed
// URL the caller PUTs the payload blob to.
func (c *Client) UploadRequest(ctx context.Context) (presignedURL string, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.eps.UploadBase, nil)
	if err != nil {
		return "", fmt.Errorf("transport: %w: build upload-request: %v", csync.ErrTransport, err)
	}
	c.setAuth(req.Request)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: %w: upload-request: %v", csync.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: %w: read upload-request response: %v", csync.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transport: %w: upload-request returned %d: %s", csync.ErrTransport, resp.StatusCode, body)
	}
	return strings.TrimSpace(string(body)), nil
}

// PutBlob PUTs blob to presignedURL as application/octet-stream.
func (c *Client) PutBlob(ctx context.Context, presignedURL string, blob []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("transport: %w: build PUT request: %v", csync.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w: PUT blob: %v", csync.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: %w: PUT blob returned %d: %s", csync.ErrTransport, resp.StatusCode, body)
	}
	return nil
}

// UploadCommit implements POST .../{site_id}/upload {"url": "…"}, notifying
// the server that presignedURL's upload completed.
func (c *Client) UploadCommit(ctx context.Context, presignedURL string) error {
	body, err := json.Marshal(struct {
		URL string `json:"url"`
	}{URL: presignedURL})
	if err != nil {
		return fmt.Errorf("transport: %w: marshal upload-commit body: %v", csync.ErrTransport, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.eps.UploadBase, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: %w: build upload-commit: %v", csync.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req.Request)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w: upload-commit: %v", csync.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: %w: upload-commit returned %d: %s", csync.ErrTransport, resp.StatusCode, respBody)
	}
	return nil
}

// Upload runs the three-step upload sequence: request a pre-signed URL, PUT
// the blob, then notify the server.
func (c *Client) Upload(ctx context.Context, blob []byte) error {
	presigned, err := c.UploadRequest(ctx)
	if err != nil {
		return err
	}
	if err := c.PutBlob(ctx, presigned, blob); err != nil {
		return err
	}
	return c.UploadCommit(ctx, presigned)
}

func (c *Client) setAuth(req *http.Request) {
	if c.eps.Authorization != "" {
		req.Header.Set("Authorization", c.eps.Authorization)
	}
}

// Cursors is the four persisted sync-position keys
type Cursors struct {
	SendDBVersion  int64
	SendSeq        int64
	CheckDBVersion int64
	CheckSeq       int64
}

// FormatInt64 and ParseInt64 keep the settings.Store's string-typed value
// column consistent for the cursor keys, storing numeric settings as their
// decimal text form.
func FormatInt64(v int64) string { return strconv.FormatInt(v, 10) }

func ParseInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func readCursor(st *settings.Store, key string) (int64, bool, error) {
	v, ok, err := st.Get(key)
	if err != nil {
		return 0, false, fmt.Errorf("transport: read cursor %q: %w", key, err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := ParseInt64(v)
	return n, true, err
}

func writeCursor(st *settings.Store, key string, v int64) error {
	if err := st.Set(key, FormatInt64(v)); err != nil {
		return fmt.Errorf("transport: write cursor %q: %w", key, err)
	}
	return nil
}

// ResetSyncVersion clears all four cursor keys, used after a
// begin_alter/commit_alter cycle or a manual resync request, forcing the
// next Sync to push and pull from db_version 0.
func ResetSyncVersion(st *settings.Store) error {
	for _, key := range []string{settings.KeySendDBVersion, settings.KeySendSeq, settings.KeyCheckDBVersion, settings.KeyCheckSeq} {
		if err := st.Delete(key); err != nil {
			return fmt.Errorf("transport: reset cursor %q: %w", key, err)
		}
	}
	return nil
}

// SchemaHasher supplies the local schema fingerprint used both to stamp
// outbound payloads and to gate inbound ones.
type SchemaHasher func() (uint64, error)

// SyncDeps wires the view/apply/settings collaborators a Sync pass needs,
// kept as one struct so Sync takes only a context, this struct, and the two
// pass parameters (wait_ms, max_retries).
type SyncDeps struct {
	View              *changeview.View
	Applier           changeview.Applier
	Settings          *settings.Store
	SchemaHash        SchemaHasher
	CompressThreshold int
}

// SyncResult reports one poll pass's outcome, enough for a CLI to print
// progress.
type SyncResult struct {
	Pushed int
	Pulled int
}

// Sync implements sync(wait_ms, max_retries): up to maxRetries
// passes of push-then-pull, stopping early once a pass both finds nothing
// local to push and nothing remote to pull, and sleeping waitMs between
// passes that did move rows.
func (c *Client) Sync(ctx context.Context, deps SyncDeps, waitMs int, maxRetries int) (SyncResult, error) {
	var total SyncResult
	for attempt := 0; attempt < maxRetries; attempt++ {
		pushed, err := c.pushOnce(ctx, deps)
		if err != nil {
			return total, err
		}
		pulled, err := c.pullOnce(ctx, deps)
		if err != nil {
			return total, err
		}
		total.Pushed += pushed
		total.Pulled += pulled

		if pushed == 0 && pulled == 0 {
			return total, nil
		}
		if attempt < maxRetries-1 && waitMs > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(time.Duration(waitMs) * time.Millisecond):
			}
		}
	}
	return total, nil
}

func (c *Client) pushOnce(ctx context.Context, deps SyncDeps) (int, error) {
	minDV, ok, err := readCursor(deps.Settings, settings.KeySendDBVersion)
	if err != nil {
		return 0, err
	}
	filter := changeview.Filter{}
	if ok {
		// The cursor holds the last pushed db_version; push strictly after
		// it. An unset cursor means push everything, including db_version 0.
		filter = changeview.Filter{DBVersion: minDV, DBVersionOp: ">"}
	}
	rows, err := deps.View.Rows(filter)
	if err != nil {
		return 0, fmt.Errorf("transport: push: materialize changes: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	hash, err := deps.SchemaHash()
	if err != nil {
		return 0, fmt.Errorf("transport: push: schema hash: %w", err)
	}
	blob, err := payload.Encode(rows, hash, deps.CompressThreshold)
	if err != nil {
		return 0, fmt.Errorf("transport: push: encode payload: %w", err)
	}
	if err := c.Upload(ctx, blob); err != nil {
		return 0, err
	}

	last := rows[len(rows)-1]
	if err := writeCursor(deps.Settings, settings.KeySendDBVersion, last.DBVersion); err != nil {
		return 0, err
	}
	if err := writeCursor(deps.Settings, settings.KeySendSeq, last.Seq); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Client) pullOnce(ctx context.Context, deps SyncDeps) (int, error) {
	checkDV, _, err := readCursor(deps.Settings, settings.KeyCheckDBVersion)
	if err != nil {
		return 0, err
	}
	checkSeq, _, err := readCursor(deps.Settings, settings.KeyCheckSeq)
	if err != nil {
		return 0, err
	}

	blobURL, err := c.Check(ctx, checkDV, checkSeq)
	if err != nil {
		return 0, err
	}
	if blobURL == "" {
		return 0, nil
	}

	blob, err := c.Download(ctx, blobURL)
	if err != nil {
		return 0, err
	}

	decoded, err := payload.Decode(blob, func(hash uint64) (bool, error) {
		return deps.Settings.KnownSchemaHash(hash)
	})
	if err != nil {
		return 0, fmt.Errorf("transport: pull: decode payload: %w", err)
	}

	for _, row := range decoded.Rows {
		if err := changeview.Insert(deps.Applier, row); err != nil {
			return 0, fmt.Errorf("transport: pull: apply change (tbl=%s pk=%x col=%s): %w", row.Table, row.PK, row.ColName, err)
		}
		if row.DBVersion > checkDV || (row.DBVersion == checkDV && row.Seq > checkSeq) {
			checkDV, checkSeq = row.DBVersion, row.Seq
		}
	}
	if len(decoded.Rows) > 0 {
		if err := writeCursor(deps.Settings, settings.KeyCheckDBVersion, checkDV); err != nil {
			return 0, err
		}
		if err := writeCursor(deps.Settings, settings.KeyCheckSeq, checkSeq); err != nil {
			return 0, err
		}
	}
	return len(decoded.Rows), nil
}
