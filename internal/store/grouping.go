package store

import (
	"cmp"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/iago/vestigium-sync/internal/domain"
)

// OtherBucketKey holds a '*', which no host name and so no site key contains.
const (
	OtherBucketKey   = "*other"
	OtherBucketLabel = "Other"
)

type Bucket struct {
	Key   string
	Label string
	Items []domain.Record
}

func (b Bucket) Count() int { return len(b.Items) }

// Group partitions items into the topN most frequent keys plus a trailing
// "Other" bucket. Keys with equal counts keep first-seen order. A nil label
// uses the key.
func Group(items []domain.Record, key func(domain.Record) string, label func(string) string, topN int) []Bucket {
	if len(items) == 0 {
		return []Bucket{}
	}
	if label == nil {
		label = func(k string) string { return k }
	}

	type keyCount struct {
		key   string
		count int
	}
	counts := make([]keyCount, 0)
	positions := make(map[string]int)
	keys := make([]string, len(items))
	for i, item := range items {
		k := key(item)
		keys[i] = k
		if index, ok := positions[k]; ok {
			counts[index].count++
			continue
		}
		positions[k] = len(counts)
		counts = append(counts, keyCount{key: k, count: 1})
	}
	slices.SortStableFunc(counts, func(a, b keyCount) int { return cmp.Compare(b.count, a.count) })
	if topN < 0 {
		topN = 0
	}
	counts = counts[:min(topN, len(counts))]

	buckets := make([]Bucket, len(counts), len(counts)+1)
	index := make(map[string]int, len(counts))
	for i, kc := range counts {
		buckets[i] = Bucket{Key: kc.key, Label: label(kc.key), Items: make([]domain.Record, 0, kc.count)}
		index[kc.key] = i
	}
	other := Bucket{Key: OtherBucketKey, Label: OtherBucketLabel, Items: []domain.Record{}}
	for i, item := range items {
		if b, ok := index[keys[i]]; ok {
			buckets[b].Items = append(buckets[b].Items, item)
			continue
		}
		other.Items = append(other.Items, item)
	}
	return append(buckets, other)
}

type SortField string

const (
	SortByDate     SortField = "date"
	SortByName     SortField = "name"
	SortByCategory SortField = "category"
)

type BucketSort struct {
	Field      SortField
	Descending bool
}

// SortBucket returns a copy of bucket ordered by field. category orders by the
// key function, which for a site bucket is the sub-community.
func SortBucket(bucket Bucket, order BucketSort, category func(domain.Record) string) Bucket {
	items := slices.Clone(bucket.Items)
	compare := func(a, b domain.Record) int {
		switch order.Field {
		case SortByName:
			return cmp.Compare(strings.ToLower(recordName(a)), strings.ToLower(recordName(b)))
		case SortByCategory:
			if category != nil {
				return cmp.Compare(category(a), category(b))
			}
			return 0
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	slices.SortStableFunc(items, func(a, b domain.Record) int {
		if order.Descending {
			return compare(b, a)
		}
		return compare(a, b)
	})
	bucket.Items = items
	return bucket
}

// BucketSorts tracks the sort order chosen for each bucket independently.
type BucketSorts struct {
	mu     sync.Mutex
	orders map[string]BucketSort
}

func NewBucketSorts() *BucketSorts {
	return &BucketSorts{orders: make(map[string]BucketSort)}
}

// DefaultBucketSort is newest first.
var DefaultBucketSort = BucketSort{Field: SortByDate, Descending: true}

func (s *BucketSorts) Get(key string) BucketSort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[key]; ok {
		return order
	}
	return DefaultBucketSort
}

// Toggle flips the direction when field is already selected for the bucket,
// otherwise selects field ascending.
func (s *BucketSorts) Toggle(key string, field SortField) BucketSort {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[key]
	if !ok {
		current = DefaultBucketSort
	}
	next := BucketSort{Field: field}
	if current.Field == field {
		next.Descending = !current.Descending
	}
	s.orders[key] = next
	return next
}

// Apply sorts every bucket with its selected order.
func (s *BucketSorts) Apply(buckets []Bucket, category func(domain.Record) string) []Bucket {
	out := make([]Bucket, len(buckets))
	for i, bucket := range buckets {
		out[i] = SortBucket(bucket, s.Get(bucket.Key), category)
	}
	return out
}

func recordName(r domain.Record) string {
	if strings.TrimSpace(r.Title) != "" {
		return strings.TrimSpace(r.Title)
	}
	return r.URL
}

// SiteKey maps a record URL to its grouping key: youtube, reddit, x or github
// for the well-known sites, the last two host labels otherwise, and "unknown"
// when there is no host.
func SiteKey(record domain.Record) string {
	host := hostname(record.URL)
	if host == "" {
		return "unknown"
	}
	host = strings.TrimPrefix(host, "www.")

	switch {
	case host == "youtu.be" || strings.HasSuffix(host, "youtube.com"):
		return "youtube"
	case strings.HasSuffix(host, "reddit.com"):
		return "reddit"
	case host == "x.com" || strings.HasSuffix(host, "twitter.com"):
		return "x"
	case strings.HasSuffix(host, "github.com"):
		return "github"
	}

	parts := strings.FieldsFunc(host, func(r rune) bool { return r == '.' })
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1]
	}
	return host
}

func SiteLabel(key string) string {
	switch key {
	case "youtube":
		return "YouTube"
	case "reddit":
		return "Reddit"
	case "x":
		return "X"
	case "github":
		return "GitHub"
	case "unknown":
		return "Unknown"
	case OtherBucketKey:
		return OtherBucketLabel
	}
	return key
}

// CommunityKey is "r/<name>" for subreddit links and the site key otherwise.
func CommunityKey(record domain.Record) string {
	if SiteKey(record) == "reddit" {
		if parsed, err := url.Parse(record.URL); err == nil {
			segments := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })
			if len(segments) >= 2 && strings.EqualFold(segments[0], "r") {
				return "r/" + strings.ToLower(segments[1])
			}
		}
	}
	return SiteKey(record)
}

func hostname(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
