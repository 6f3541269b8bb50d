package media

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

const maxKeyExtLen = 8

// NormalizeSource canonicalises a remote identifier so equivalent spellings
// map to the same cache key. Absolute URLs get a lowercase scheme and host and
// lose their fragment; everything else is only trimmed.
func NormalizeSource(source string) string {
	s := strings.TrimSpace(source)
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// CacheKey derives the filesystem-safe token naming a source's local copy:
// the hex SHA-256 of the normalized identifier plus the source's extension
// when it has a short alphanumeric one.
func CacheKey(source string) string {
	normalized := NormalizeSource(source)
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:])
	if ext := sourceExt(normalized); ext != "" {
		key += "." + ext
	}
	return key
}

func sourceExt(source string) string {
	p := source
	if u, err := url.Parse(source); err == nil && u.IsAbs() {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" || len(ext) > maxKeyExtLen {
		return ""
	}
	ext = strings.ToLower(ext)
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// IsCacheKey reports whether name has the shape produced by CacheKey. Used
// when rebuilding the index from a directory listing.
func IsCacheKey(name string) bool {
	base, ext, _ := strings.Cut(name, ".")
	if len(base) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(base); err != nil {
		return false
	}
	if ext == "" {
		return true
	}
	return sourceExt("x."+ext) == ext
}
