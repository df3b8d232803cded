// Package cache provides content-addressed caching of analysis results so
// identical inputs under identical tag configuration never hit a backend
// twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonesrussell/mailtriage/internal/domain"
)

// Store is the analysis result cache.
type Store interface {
	// Get returns the cached result for key, or ok=false when absent or
	// expired.
	Get(ctx context.Context, key string) (result *domain.AnalysisResult, ok bool, err error)
	// Set stores a result under key for ttl.
	Set(ctx context.Context, key string, result *domain.AnalysisResult, ttl time.Duration) error
	// Invalidate removes a key.
	Invalidate(ctx context.Context, key string) error
	// Stats returns hit/miss counters and the current entry count.
	Stats() Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// hitRate computes hits/(hits+misses), zero when no lookups happened.
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Key derives the cache key for a message under the active tag
// configuration. The key covers normalized headers, body, attachment
// metadata, every known tag key with its threshold, and the global
// threshold: changing any tag or threshold changes the key, so stale results
// are never evaluated against a tag set they were not analyzed for.
func Key(msg *domain.EmailMessage, knownTags []domain.KnownTag, globalThreshold int) string {
	h := sha256.New()

	headerKeys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)
	for _, k := range headerKeys {
		fmt.Fprintf(h, "h:%s=%s\n", strings.ToLower(k), strings.TrimSpace(msg.Headers[k]))
	}

	fmt.Fprintf(h, "b:%s\n", strings.TrimSpace(msg.Body))

	for _, a := range msg.Attachments {
		fmt.Fprintf(h, "a:%s|%s|%d\n", a.Name, a.ContentType, a.Size)
	}

	tagKeys := make([]string, 0, len(knownTags))
	thresholds := make(map[string]string, len(knownTags))
	for _, t := range knownTags {
		tagKeys = append(tagKeys, t.Key)
		if t.Threshold != nil {
			thresholds[t.Key] = strconv.Itoa(*t.Threshold)
		} else {
			thresholds[t.Key] = "-"
		}
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		fmt.Fprintf(h, "t:%s=%s\n", k, thresholds[k])
	}
	fmt.Fprintf(h, "g:%d\n", globalThreshold)

	return hex.EncodeToString(h.Sum(nil))
}
