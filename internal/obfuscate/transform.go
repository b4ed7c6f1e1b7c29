// Package obfuscate rewrites outbound request headers so forwarded traffic
// does not identify the calling application or client.
package obfuscate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"net/http"
	"strings"
	"sync"

	"relay-proxy-go/internal/requestid"
)

// Level selects how aggressively headers are rewritten.
type Level string

const (
	// LevelStandard applies only the required rewrites.
	LevelStandard Level = "standard"
	// LevelFull also injects a random Referer and a decoy API key.
	LevelFull Level = "full"
)

// ParseLevel converts s to a Level. Empty means LevelFull.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(s)) {
	case "", LevelFull:
		return LevelFull, nil
	case LevelStandard:
		return LevelStandard, nil
	}
	return "", fmt.Errorf("obfuscate: unknown level %q", s)
}

// Accept is the generic Accept value sent upstream.
const Accept = "application/json, text/plain, */*"

// DecoyAPIKeyHeader carries the decoy key injected at LevelFull.
const DecoyAPIKeyHeader = "X-Api-Key"

// bannedHeaders identify the calling application.
var bannedHeaders = []string{
	"X-Whatsapp-Client",
	"X-Whatsapp-Version",
}

// identityHeaders reveal the caller's network address.
var identityHeaders = []string{
	"Forwarded",
	"Via",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"X-Client-Ip",
}

// Options configures a Transformer.
type Options struct {
	Level        Level
	UserAgents   []string    // defaults to DefaultUserAgents
	StripHeaders []string    // removed in addition to the built-in list
	Rand         *mrand.Rand // user agent selection; nil uses the global source
}

// Transformer applies the header rewrite. Safe for concurrent use.
type Transformer struct {
	level      Level
	userAgents []string
	strip      []string

	mu  sync.Mutex // guards rnd
	rnd *mrand.Rand
}

// New builds a Transformer from opts.
func New(opts Options) (*Transformer, error) {
	level := opts.Level
	if level == "" {
		level = LevelFull
	}
	if level != LevelFull && level != LevelStandard {
		return nil, fmt.Errorf("obfuscate: unknown level %q", level)
	}

	uas := make([]string, 0, len(opts.UserAgents))
	for _, ua := range opts.UserAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			uas = append(uas, ua)
		}
	}
	if len(uas) == 0 {
		uas = DefaultUserAgents()
	}

	strip := make([]string, 0, len(bannedHeaders)+len(identityHeaders)+len(opts.StripHeaders))
	strip = append(strip, bannedHeaders...)
	strip = append(strip, identityHeaders...)
	for _, h := range opts.StripHeaders {
		if h = strings.TrimSpace(h); h != "" {
			strip = append(strip, http.CanonicalHeaderKey(h))
		}
	}

	return &Transformer{
		level:      level,
		userAgents: uas,
		strip:      strip,
		rnd:        opts.Rand,
	}, nil
}

// Level returns the configured level.
func (t *Transformer) Level() Level { return t.level }

// Apply rewrites h in place for the request identified by id.
func (t *Transformer) Apply(h http.Header, id string) {
	for _, k := range t.strip {
		h.Del(k)
	}

	h.Set("User-Agent", t.userAgent())
	h.Set("Accept", Accept)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	requestid.Attach(id, h)

	if t.level == LevelFull {
		h.Set(DecoyAPIKeyHeader, randomHex(8))
		h.Set("Referer", "https://"+randomHex(4)+".example.com")
	}
}

func (t *Transformer) userAgent() string {
	if len(t.userAgents) == 1 {
		return t.userAgents[0]
	}
	if t.rnd == nil {
		return t.userAgents[mrand.IntN(len(t.userAgents))]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userAgents[t.rnd.IntN(len(t.userAgents))]
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never returns an error
	return hex.EncodeToString(b)
}
