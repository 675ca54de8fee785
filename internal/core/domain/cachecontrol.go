package domain

import (
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the directives relevant to the private cache
// strategy (spec.md §4.9). Unknown directives are ignored; absent
// integer directives are represented with a negative sentinel.
type CacheControl struct {
	MaxAgeSeconds       int
	MaxStaleSeconds     int
	MinFreshSeconds     int
	NoCache             bool
	NoStore             bool
	Public              bool
	Private             bool
	MustRevalidate      bool
	OnlyIfCached        bool
	ImmutableDirective  bool
}

const noDirective = -1

func ParseCacheControl(h Headers) CacheControl {
	cc := CacheControl{MaxAgeSeconds: noDirective, MaxStaleSeconds: noDirective, MinFreshSeconds: noDirective}
	for _, part := range splitDirectives(h) {
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch name {
		case "no-cache":
			cc.NoCache = true
		case "no-store":
			cc.NoStore = true
		case "public":
			cc.Public = true
		case "private":
			cc.Private = true
		case "must-revalidate":
			cc.MustRevalidate = true
		case "only-if-cached":
			cc.OnlyIfCached = true
		case "immutable":
			cc.ImmutableDirective = true
		case "max-age":
			if n, err := strconv.Atoi(value); err == nil {
				cc.MaxAgeSeconds = n
			}
		case "max-stale":
			if value == "" {
				cc.MaxStaleSeconds = 1 << 30 // unbounded, per RFC 7234
			} else if n, err := strconv.Atoi(value); err == nil {
				cc.MaxStaleSeconds = n
			}
		case "min-fresh":
			if n, err := strconv.Atoi(value); err == nil {
				cc.MinFreshSeconds = n
			}
		}
	}
	return cc
}

func splitDirectives(h Headers) []string {
	var out []string
	for _, value := range h.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (cc CacheControl) MaxAge() (time.Duration, bool) {
	if cc.MaxAgeSeconds == noDirective {
		return 0, false
	}
	return time.Duration(cc.MaxAgeSeconds) * time.Second, true
}

func (cc CacheControl) MaxStale() (time.Duration, bool) {
	if cc.MaxStaleSeconds == noDirective {
		return 0, false
	}
	return time.Duration(cc.MaxStaleSeconds) * time.Second, true
}

func (cc CacheControl) MinFresh() (time.Duration, bool) {
	if cc.MinFreshSeconds == noDirective {
		return 0, false
	}
	return time.Duration(cc.MinFreshSeconds) * time.Second, true
}
