package blobstore

import (
	"net/url"
	"strings"
)

// URLBuilder turns object keys into download URLs.
type URLBuilder struct {
	// PublicBase is the public bucket root, e.g.
	// https://storage.googleapis.com/study-archives.
	PublicBase string
	// CDNDomain, when set, is preferred for CDNURL.
	CDNDomain string
}

// NewURLBuilder defaults the public base to the GCS public endpoint for
// bucket.
func NewURLBuilder(publicBase, cdnDomain, bucket string) URLBuilder {
	if publicBase == "" {
		publicBase = "https://storage.googleapis.com/" + bucket
	}
	return URLBuilder{PublicBase: strings.TrimRight(publicBase, "/"), CDNDomain: cdnDomain}
}

func (b URLBuilder) PublicURL(key string) string {
	return b.PublicBase + "/" + escapeKey(key)
}

// CDNURL falls back to PublicURL when no CDN is configured.
func (b URLBuilder) CDNURL(key string) string {
	if b.CDNDomain == "" {
		return b.PublicURL(key)
	}
	d := strings.TrimRight(b.CDNDomain, "/")
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	return d + "/" + escapeKey(key)
}

// KeyFromURL recovers an object key from a URL produced by this builder or
// any URL whose path ends in the key. It returns "" when nothing usable is
// found.
func (b URLBuilder) KeyFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	for _, base := range []string{b.PublicBase, b.CDNDomain} {
		if base != "" && strings.HasPrefix(raw, base+"/") {
			k, err := url.PathUnescape(strings.TrimPrefix(raw, base+"/"))
			if err == nil {
				return k
			}
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := strings.TrimPrefix(u.Path, "/")
	if i := strings.Index(p, "studies/"); i >= 0 {
		return p[i:]
	}
	return ""
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
