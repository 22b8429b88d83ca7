// Package cache implements the two-tier response cache: a bounded
// in-memory tier in front of a persistent store (files or SQLite).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Kind is the operation class of a cached value. Each kind has its own TTL
// and its own namespace in the persistent store.
type Kind string

// Cache kinds.
const (
	KindSearch     Kind = "search"
	KindArticle    Kind = "article"
	KindAbstract   Kind = "abstract"
	KindOpenAccess Kind = "oa"
	KindFulltext   Kind = "fulltext"
)

// Kinds lists every cache kind.
var Kinds = []Kind{KindSearch, KindArticle, KindAbstract, KindOpenAccess, KindFulltext}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// TTLs maps kinds to a time-to-live. A zero TTL never expires.
type TTLs map[Kind]time.Duration

// DefaultTTLs returns the default lifetimes per kind.
func DefaultTTLs() TTLs {
	return TTLs{
		KindSearch:     time.Hour,
		KindArticle:    30 * 24 * time.Hour,
		KindAbstract:   30 * 24 * time.Hour,
		KindOpenAccess: 7 * 24 * time.Hour,
		KindFulltext:   0,
	}
}

// Key identifies one cached value. Two logically identical requests always
// produce the same Key.
type Key struct {
	Kind Kind
	ID   string
}

// String returns the canonical "kind:id" form of the key.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// IDKey returns the key for a value addressed by a single identifier such
// as a PMID. The identifier is sanitised so it is safe as a file name.
func IDKey(kind Kind, id string) Key {
	return Key{Kind: kind, ID: sanitizeID(id)}
}

// ArticleKey returns the key of a parsed article record.
func ArticleKey(pmid string) Key { return IDKey(KindArticle, pmid) }

// AbstractKey returns the key of a full abstract text.
func AbstractKey(pmid string) Key { return IDKey(KindAbstract, pmid) }

// OpenAccessKey returns the key of an open-access lookup result.
func OpenAccessKey(pmid string) Key { return IDKey(KindOpenAccess, pmid) }

// ParamsKey returns a key derived from request parameters. Parameters are
// sorted by name before hashing, so the order they were given in does not
// matter. Names and values are trimmed of surrounding space.
func ParamsKey(kind Kind, params map[string]string) Key {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(strings.TrimSpace(name)))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(params[name])))
		h.Write([]byte{0})
	}
	return Key{Kind: kind, ID: hex.EncodeToString(h.Sum(nil))}
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
