// Package cloudsync reconciles a local document store with a remote archive
// dataset. Five modes cover the useful direction/deletion combinations,
// where L and R are the current local and remote id sets:
//
//	upload_new          POST each id in L−R;                 index := (L, R ∪ uploaded)
//	download_new        fetch each id in R−L;                index := (L ∪ downloaded, R)
//	mirror_to_remote    upload L−R, delete remote R−L;       index := (L, L)
//	mirror_from_remote  download R−L, delete local L−R;      index := (R, R)
//	two_way_sync        upload L−R, download R−L;            index := (L ∪ R, L ∪ R)
//
// Partial failures never abort a batch: per-id errors collect into the
// returned Report and the persisted index reflects only what actually
// transferred.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/ndilog"
	"ndi.dev/core/resolver"
	"ndi.dev/core/storage"
)

// Mode selects the reconciliation direction.
type Mode string

const (
	DownloadNew      Mode = "download_new"
	UploadNew        Mode = "upload_new"
	MirrorToRemote   Mode = "mirror_to_remote"
	MirrorFromRemote Mode = "mirror_from_remote"
	TwoWaySync       Mode = "two_way_sync"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case DownloadNew, UploadNew, MirrorToRemote, MirrorFromRemote, TwoWaySync:
		return Mode(s), nil
	}
	return "", ndierr.Newf(ndierr.BadArgument, "unknown sync mode %q", s)
}

// Strategy selects how uploads travel.
type Strategy string

const (
	// Batch zips all pending documents and PUTs them to one presigned URL.
	Batch Strategy = "batch"
	// Serial POSTs documents one at a time.
	Serial Strategy = "serial"
)

// API is the slice of the cloud client the engine drives; *cloud.Client
// satisfies it.
type API interface {
	ListAllDocumentIDs(datasetID string) ([]string, error)
	GetDocument(datasetID, documentID string) (any, error)
	PostDocument(datasetID string, doc any) (any, error)
	DeleteDocument(datasetID, documentID string) error
	BulkUploadURL(datasetID string) (string, error)
	UploadPresigned(presignedURL string, data io.Reader, contentType string) error
	GetFileUploadURL(organizationID, datasetID, fileUID string) (string, error)
}

// Options tunes one engine.
type Options struct {
	// SyncFiles publishes local binary files alongside their documents,
	// rewriting locations to ndic URIs. Downloads stay lazy: a downloaded
	// document's ndic locations resolve on first touch.
	SyncFiles bool
	// DryRun reports what would transfer without transferring or touching
	// the index.
	DryRun bool
	// Verbose, when set, receives progress lines; the engine never writes
	// to stdout itself.
	Verbose func(msg string)
	// UploadStrategy defaults to Batch.
	UploadStrategy Strategy
	// Locker defaults to NoopLocker.
	Locker Locker
	// LockTTL defaults to 10 minutes.
	LockTTL time.Duration
}

// Report is the outcome of one Sync call.
type Report struct {
	Mode          Mode     `json:"mode"`
	Uploaded      []string `json:"uploaded"`
	Downloaded    []string `json:"downloaded"`
	RemovedLocal  []string `json:"removed_local"`
	RemovedRemote []string `json:"removed_remote"`
	Errors        []string `json:"errors"`
	DryRun        bool     `json:"dry_run"`
}

// Transferred reports the total documents moved in either direction.
func (r *Report) Transferred() int {
	return len(r.Uploaded) + len(r.Downloaded)
}

// Engine reconciles one storage against one remote dataset.
type Engine struct {
	store     storage.Storage
	api       API
	datasetID string
	indexPath string
	opts      Options
}

// NewEngine builds an engine. indexPath is where the sync index persists,
// typically IndexPath(datasetRoot).
func NewEngine(store storage.Storage, api API, datasetID, indexPath string, opts Options) *Engine {
	if opts.UploadStrategy == "" {
		opts.UploadStrategy = Batch
	}
	if opts.Locker == nil {
		opts.Locker = NoopLocker{}
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Engine{store: store, api: api, datasetID: datasetID, indexPath: indexPath, opts: opts}
}

func (e *Engine) verbose(format string, args ...any) {
	if e.opts.Verbose != nil {
		e.opts.Verbose(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) localIDs() ([]string, error) {
	docs, err := e.store.Search(nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	return ids, nil
}

// Sync runs one reconciliation pass and persists the updated index.
func (e *Engine) Sync(mode Mode) (*Report, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, ndierr.Newf(ndierr.SyncError, "cannot sync: unknown mode %q", mode)
	}

	ctx := context.Background()
	lockKey := "ndi:sync:" + e.datasetID
	ok, err := e.opts.Locker.Acquire(ctx, lockKey, e.opts.LockTTL)
	if err != nil {
		return nil, ndierr.Wrap(ndierr.SyncError, "failed to acquire sync lock", err)
	}
	if !ok {
		return nil, ndierr.Newf(ndierr.SyncError, "dataset %s is being synced by another process", e.datasetID)
	}
	defer func() {
		if err := e.opts.Locker.Release(ctx, lockKey); err != nil {
			ndilog.Logger.WithError(err).Warn("failed to release sync lock")
		}
	}()

	local, err := e.localIDs()
	if err != nil {
		return nil, err
	}
	remote, err := e.api.ListAllDocumentIDs(e.datasetID)
	if err != nil {
		return nil, err
	}
	localSet, remoteSet := idSet(local), idSet(remote)

	report := &Report{Mode: mode, DryRun: e.opts.DryRun}
	var toUpload, toDownload, toRemoveLocal, toRemoveRemote []string
	switch mode {
	case UploadNew:
		toUpload = subtract(local, remoteSet)
	case DownloadNew:
		toDownload = subtract(remote, localSet)
	case MirrorToRemote:
		toUpload = subtract(local, remoteSet)
		toRemoveRemote = subtract(remote, localSet)
	case MirrorFromRemote:
		toDownload = subtract(remote, localSet)
		toRemoveLocal = subtract(local, remoteSet)
	case TwoWaySync:
		toUpload = subtract(local, remoteSet)
		toDownload = subtract(remote, localSet)
	}
	e.verbose("sync %s: %d to upload, %d to download, %d to remove locally, %d to remove remotely",
		mode, len(toUpload), len(toDownload), len(toRemoveLocal), len(toRemoveRemote))

	if e.opts.DryRun {
		report.Uploaded = toUpload
		report.Downloaded = toDownload
		report.RemovedLocal = toRemoveLocal
		report.RemovedRemote = toRemoveRemote
		return report, nil
	}

	e.upload(toUpload, report)
	e.download(toDownload, report)
	for _, id := range toRemoveLocal {
		if _, err := e.store.Remove(id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("remove local %s: %v", id, err))
			continue
		}
		report.RemovedLocal = append(report.RemovedLocal, id)
	}
	for _, id := range toRemoveRemote {
		if err := e.api.DeleteDocument(e.datasetID, id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("remove remote %s: %v", id, err))
			continue
		}
		report.RemovedRemote = append(report.RemovedRemote, id)
	}

	idx := e.indexAfter(mode, local, remote, report)
	if err := idx.Save(e.indexPath); err != nil {
		return report, err
	}
	return report, nil
}

// indexAfter derives the persisted id sets from what actually happened, so
// failed transfers stay eligible for the next run.
func (e *Engine) indexAfter(mode Mode, local, remote []string, report *Report) *Index {
	removedLocal := idSet(report.RemovedLocal)
	removedRemote := idSet(report.RemovedRemote)
	localNow := subtract(union(local, report.Downloaded), removedLocal)
	remoteNow := subtract(union(remote, report.Uploaded), removedRemote)
	return &Index{LocalDocIDsLastSync: localNow, RemoteDocIDsLastSync: remoteNow}
}

func (e *Engine) upload(ids []string, report *Report) {
	if len(ids) == 0 {
		return
	}
	// read and (optionally) file-publish every candidate first; documents
	// that fail here fall out of the transfer set
	payloads := make(map[string][]byte, len(ids))
	var order []string
	for _, id := range ids {
		doc, ok, err := e.store.Read(id)
		if err != nil || !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("upload %s: unreadable: %v", id, err))
			continue
		}
		if e.opts.SyncFiles {
			doc, err = e.publishFiles(doc)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("upload %s: %v", id, err))
				continue
			}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("upload %s: %v", id, err))
			continue
		}
		payloads[id] = data
		order = append(order, id)
	}
	if len(order) == 0 {
		return
	}

	if e.opts.UploadStrategy == Batch {
		entries := make(map[string][]byte, len(payloads))
		for id, data := range payloads {
			entries[id+".json"] = data
		}
		blob, err := BuildZip(entries)
		if err == nil {
			var uploadURL string
			uploadURL, err = e.api.BulkUploadURL(e.datasetID)
			if err == nil {
				err = e.api.UploadPresigned(uploadURL, bytes.NewReader(blob), "application/zip")
			}
		}
		if err != nil {
			for _, id := range order {
				report.Errors = append(report.Errors, fmt.Sprintf("bulk upload %s: %v", id, err))
			}
			return
		}
		report.Uploaded = append(report.Uploaded, order...)
		e.verbose("bulk upload: %d documents", len(order))
		return
	}

	for _, id := range order {
		if _, err := e.api.PostDocument(e.datasetID, json.RawMessage(payloads[id])); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("upload %s: %v", id, err))
			continue
		}
		report.Uploaded = append(report.Uploaded, id)
		e.verbose("uploaded %s", id)
	}
}

// publishFiles uploads a document's local binary payloads and rewrites its
// locations to ndic URIs pointing at them.
func (e *Engine) publishFiles(doc *document.Document) (*document.Document, error) {
	var uploadErr error
	rewritten := resolver.RewriteForCloud(doc, e.datasetID, func(name string, loc document.FileLocation) string {
		uid := loc.UID
		if uid == "" {
			uid = ident.New()
		}
		if uploadErr != nil {
			return uid
		}
		f, err := os.Open(loc.Location)
		if err != nil {
			uploadErr = fmt.Errorf("file %s: %w", name, err)
			return uid
		}
		defer func() { _ = f.Close() }()
		uploadURL, err := e.api.GetFileUploadURL("", e.datasetID, uid)
		if err != nil {
			uploadErr = fmt.Errorf("file %s: %w", name, err)
			return uid
		}
		if err := e.api.UploadPresigned(uploadURL, f, "application/octet-stream"); err != nil {
			uploadErr = fmt.Errorf("file %s: %w", name, err)
			return uid
		}
		e.verbose("uploaded file %s as %s", name, uid)
		return uid
	})
	if uploadErr != nil {
		return nil, uploadErr
	}
	return rewritten, nil
}

func (e *Engine) download(ids []string, report *Report) {
	for _, id := range ids {
		raw, err := e.api.GetDocument(e.datasetID, id)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("download %s: %v", id, err))
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("download %s: %v", id, err))
			continue
		}
		var doc document.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("download %s: %v", id, err))
			continue
		}
		if err := e.store.AddOrReplace(&doc); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("download %s: %v", id, err))
			continue
		}
		report.Downloaded = append(report.Downloaded, id)
		e.verbose("downloaded %s", id)
	}
}
