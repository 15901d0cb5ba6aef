// Package resolver turns ndic:// URIs into local files: it parses the URI,
// asks the archive API for a fresh presigned download URL, streams the blob
// to a temporary sibling of the target, and renames it into place so readers
// never observe a partial file.
package resolver

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
)

// Scheme is the URI scheme this resolver owns.
const Scheme = "ndic"

// tmpSuffix marks in-flight downloads next to their final path.
const tmpSuffix = ".tmp"

// ParseURI splits ndic://{dataset_id}/{file_uid}. Both parts must be
// non-empty and slash-free.
func ParseURI(uri string) (datasetID, fileUID string, err error) {
	parsed, perr := url.Parse(uri)
	if perr != nil || parsed.Scheme != Scheme {
		return "", "", ndierr.Newf(ndierr.BadUri, "not an ndic URI: %q", uri)
	}
	datasetID = parsed.Host
	fileUID = strings.TrimPrefix(parsed.Path, "/")
	if datasetID == "" || fileUID == "" || strings.Contains(fileUID, "/") {
		return "", "", ndierr.Newf(ndierr.BadUri,
			"ndic URI path must be exactly dataset_id/file_uid: %q", uri)
	}
	return datasetID, fileUID, nil
}

// IsNDIC reports whether location is an ndic:// URI.
func IsNDIC(location string) bool {
	return strings.HasPrefix(location, Scheme+"://")
}

// Fetcher is the slice of the cloud client the resolver needs; *cloud.Client
// satisfies it.
type Fetcher interface {
	GetFileDetail(datasetID, fileUID string) (string, error)
	DownloadStream(rawURL string) (io.ReadCloser, error)
}

// Resolver fetches ndic-addressed blobs on demand. Progress, when non-nil,
// receives human-readable transfer updates; the resolver itself never writes
// to stdout.
type Resolver struct {
	client   Fetcher
	Progress func(msg string)
}

// New wraps a cloud client.
func New(client Fetcher) *Resolver {
	return &Resolver{client: client}
}

// writeCounter tracks bytes copied and forwards progress to the callback.
type writeCounter struct {
	total    uint64
	progress func(string)
}

func (wc *writeCounter) Write(p []byte) (int, error) {
	wc.total += uint64(len(p))
	if wc.progress != nil {
		wc.progress(fmt.Sprintf("downloading... %s", humanize.Bytes(wc.total)))
	}
	return len(p), nil
}

// Fetch resolves uri and places the blob at target. The download streams to
// target.tmp in the same directory and renames atomically; on any error the
// temporary file is removed.
func (r *Resolver) Fetch(uri, target string) error {
	datasetID, fileUID, err := ParseURI(uri)
	if err != nil {
		return err
	}
	downloadURL, err := r.client.GetFileDetail(datasetID, fileUID)
	if err != nil {
		return err
	}
	if downloadURL == "" {
		return ndierr.Newf(ndierr.ApiError, "no download url for %s", uri)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	tmp := target + tmpSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	fail := func(cause error) error {
		_ = out.Close()
		_ = os.Remove(tmp)
		return cause
	}

	body, err := r.client.DownloadStream(downloadURL)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = body.Close() }()

	counter := &writeCounter{progress: r.Progress}
	if _, err := io.Copy(out, io.TeeReader(body, counter)); err != nil {
		return fail(fmt.Errorf("download interrupted: %w", err))
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush download: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	if r.Progress != nil {
		r.Progress(fmt.Sprintf("download complete: %s", humanize.Bytes(counter.total)))
	}
	return nil
}

// CleanStaleTemp removes leftover .tmp files in dir: the losers of rename
// races and the residue of interrupted downloads. Called at session open.
func CleanStaleTemp(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// UIDFor chooses the file uid a location is published under. Passing nil to
// RewriteForCloud reuses a location's recorded uid and mints a fresh one
// only when none is recorded.
type UIDFor func(fileName string, loc document.FileLocation) string

// RewriteForCloud returns a copy of doc whose on-disk file locations are
// replaced by ndic:// URIs under datasetID, with location_type set to
// "ndicloud" and the ingest/delete_original flags cleared. A location's
// recorded uid is reused when present; one is minted otherwise and stored,
// so republishing never changes the URI. Locations already holding ndic
// URIs pass through untouched, which makes the rewrite idempotent.
func RewriteForCloud(doc *document.Document, datasetID string, uidFor UIDFor) *document.Document {
	if uidFor == nil {
		uidFor = func(_ string, loc document.FileLocation) string {
			if loc.UID != "" {
				return loc.UID
			}
			return ident.New()
		}
	}
	files := doc.Files()
	for fi := range files {
		for li := range files[fi].Locations {
			loc := &files[fi].Locations[li]
			if !IsNDIC(loc.Location) {
				uid := uidFor(files[fi].Name, *loc)
				loc.Location = fmt.Sprintf("%s://%s/%s", Scheme, datasetID, uid)
				loc.UID = uid
			}
			loc.LocationType = "ndicloud"
			loc.Ingest = false
			loc.DeleteOriginal = false
		}
	}
	return doc.WithFiles(files)
}
