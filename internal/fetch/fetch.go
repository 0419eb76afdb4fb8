// Package fetch downloads remote media into the downloads area.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"mediaenhancer/internal/progress"
)

// Fetcher turns a locator into a local file path. Progress is reported to obs, which may be nil.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, obs progress.Observer) (string, error)
}

// FetchError reports a locator that could not be fetched. Fetches are never retried internally.
type FetchError struct {
	Locator        string
	InvalidLocator bool
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidateURL checks that locator is an absolute http(s) URL with a host.
func ValidateURL(locator string) error {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return &FetchError{Locator: locator, InvalidLocator: true, Err: errors.New("locator is empty")}
	}
	u, err := url.Parse(locator)
	if err != nil {
		return &FetchError{Locator: locator, InvalidLocator: true, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &FetchError{Locator: locator, InvalidLocator: true, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &FetchError{Locator: locator, InvalidLocator: true, Err: errors.New("missing host")}
	}
	return nil
}

// Local accepts paths to files that already exist on disk.
type Local struct{}

func (Local) Fetch(ctx context.Context, locator string, obs progress.Observer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := filepath.Abs(locator)
	if err != nil {
		return "", &FetchError{Locator: locator, InvalidLocator: true, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", &FetchError{Locator: locator, InvalidLocator: true, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &FetchError{Locator: locator, InvalidLocator: true, Err: errors.New("not a regular file")}
	}
	progress.Emit(obs, progress.Event{Stage: progress.StageDownload, State: "done", BytesDone: info.Size(), BytesTotal: info.Size()})
	return path, nil
}
