package diskcache

import (
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/vellumhttp/vellum/internal/core/domain"
)

const (
	metadataSlot = 0
	bodySlot     = 1
)

// ResponseStore adapts a Cache to interceptor.CacheStore, translating
// domain.Response values to and from the two-slot journal format of
// spec.md §6 (slot 0 metadata, slot 1 body).
type ResponseStore struct {
	Cache *Cache
}

func (s *ResponseStore) Get(key domain.CacheKey) (*domain.Response, bool) {
	snap, ok := s.Cache.Get(string(key))
	if !ok {
		return nil, false
	}

	resp, vary, err := DecodeMetadata(snap.Reader(metadataSlot))
	if err != nil {
		_ = snap.Close()
		return nil, false
	}
	resp.Request.Headers = vary
	resp.Body = &domain.Body{Reader: snapshotBody{snap}, Length: snap.Length(bodySlot)}
	resp.NetworkFetched = false
	return resp, true
}

func (s *ResponseStore) Put(key domain.CacheKey, resp *domain.Response) error {
	ed, ok := s.Cache.Edit(string(key))
	if !ok {
		return nil // another edit in progress or key rejected: silently skip, per spec.md §4.10
	}

	varyHeaders := extractVaryValues(resp)

	metaFile, err := ed.Writer(metadataSlot)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if err := EncodeMetadata(metaFile, resp, varyHeaders); err != nil {
		metaFile.Close()
		_ = ed.Abort()
		return err
	}
	if err := metaFile.Close(); err != nil {
		_ = ed.Abort()
		return err
	}

	bodyFile, err := ed.Writer(bodySlot)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if resp.Body != nil && resp.Body.Reader != nil {
		if _, err := io.Copy(bodyFile, resp.Body.Reader); err != nil {
			bodyFile.Close()
			_ = ed.Abort()
			return err
		}
	}
	if err := bodyFile.Close(); err != nil {
		_ = ed.Abort()
		return err
	}

	return ed.Commit()
}

func (s *ResponseStore) Remove(key domain.CacheKey) error {
	return s.Cache.Remove(string(key))
}

// extractVaryValues implements spec.md §6's Vary rule: only the
// request headers named by the response's Vary list are persisted.
func extractVaryValues(resp *domain.Response) domain.Headers {
	varyHeader := resp.Headers.GetOrEmpty("Vary")
	if varyHeader == "" || resp.Request == nil {
		return nil
	}
	var out domain.Headers
	for _, name := range strings.Split(varyHeader, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = out.Add(name, resp.Request.Headers.GetOrEmpty(name))
	}
	return out
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseRequestURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

type snapshotBody struct {
	snap *Snapshot
}

func (b snapshotBody) Read(p []byte) (int, error) { return b.snap.Reader(bodySlot).Read(p) }
func (b snapshotBody) Close() error                { return b.snap.Close() }
