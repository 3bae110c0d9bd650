package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Sort string

const (
	SortAddedDesc   Sort = "added_desc"
	SortAddedAsc    Sort = "added_asc"
	SortUpdatedDesc Sort = "updated_desc"
	SortUpdatedAsc  Sort = "updated_asc"
)

func (s Sort) Valid() bool {
	switch s {
	case SortAddedDesc, SortAddedAsc, SortUpdatedDesc, SortUpdatedAsc:
		return true
	}
	return false
}

const (
	DefaultSort     = SortUpdatedDesc
	DefaultPageSize = 20
)

// AllowedPageSizes lists the page sizes a collection view accepts.
var AllowedPageSizes = []int{10, 20, 50, 100}

const (
	dayLayout  = "2006-01-02"
	wireLayout = "2006-01-02T15:04:05.000Z"
)

// Filter is an immutable snapshot of every parameter that decides which page
// of records is fetched. Every With* method except WithPage, WithPageSize and
// WithRefresh resets Page to 0.
type Filter struct {
	Query        string
	Tags         []string
	ListIDs      []string
	Important    *bool
	Visited      *bool
	AddedFrom    string
	AddedTo      string
	Sort         Sort
	Page         int
	PageSize     int
	IncludeAdult bool
	RefreshNonce uint64
}

func NewFilter() Filter {
	return Filter{
		Sort:         DefaultSort,
		PageSize:     DefaultPageSize,
		IncludeAdult: true,
	}
}

func (f Filter) clone() Filter {
	next := f
	next.Tags = slices.Clone(f.Tags)
	next.ListIDs = slices.Clone(f.ListIDs)
	next.Important = cloneBool(f.Important)
	next.Visited = cloneBool(f.Visited)
	return next
}

func (f Filter) reset() Filter {
	next := f.clone()
	next.Page = 0
	return next
}

func (f Filter) WithQuery(query string) Filter {
	next := f.reset()
	next.Query = query
	return next
}

func (f Filter) WithTags(tags []string) Filter {
	next := f.reset()
	next.Tags = NormalizeTags(tags)
	return next
}

// WithTagToggled adds the normalized tag if absent and removes it otherwise.
func (f Filter) WithTagToggled(tag string) Filter {
	normalized := NormalizeTag(tag)
	if normalized == "" {
		return f.clone()
	}
	if slices.Contains(f.Tags, normalized) {
		return f.WithTags(RemoveTag(f.Tags, normalized))
	}
	return f.WithTags(append(slices.Clone(f.Tags), normalized))
}

func (f Filter) WithListIDs(ids []string) Filter {
	next := f.reset()
	next.ListIDs = dedupe(ids)
	return next
}

func (f Filter) WithListToggled(id string) Filter {
	id = strings.TrimSpace(id)
	if id == "" {
		return f.clone()
	}
	if slices.Contains(f.ListIDs, id) {
		return f.WithListIDs(slices.DeleteFunc(slices.Clone(f.ListIDs), func(v string) bool { return v == id }))
	}
	return f.WithListIDs(append(slices.Clone(f.ListIDs), id))
}

func (f Filter) WithImportant(value *bool) Filter {
	next := f.reset()
	next.Important = cloneBool(value)
	return next
}

func (f Filter) WithVisited(value *bool) Filter {
	next := f.reset()
	next.Visited = cloneBool(value)
	return next
}

func (f Filter) WithAddedRange(from, to string) Filter {
	next := f.reset()
	next.AddedFrom = strings.TrimSpace(from)
	next.AddedTo = strings.TrimSpace(to)
	return next
}

func (f Filter) WithSort(sort Sort) Filter {
	if !sort.Valid() {
		sort = DefaultSort
	}
	next := f.reset()
	next.Sort = sort
	return next
}

func (f Filter) WithIncludeAdult(include bool) Filter {
	next := f.reset()
	next.IncludeAdult = include
	return next
}

func (f Filter) WithPage(page int) Filter {
	next := f.clone()
	next.Page = max(page, 0)
	return next
}

// WithPageSize keeps Page untouched; sizes outside AllowedPageSizes become DefaultPageSize.
func (f Filter) WithPageSize(size int) Filter {
	next := f.clone()
	if !slices.Contains(AllowedPageSizes, size) {
		size = DefaultPageSize
	}
	next.PageSize = size
	return next
}

// WithRefresh bumps only the refresh nonce.
func (f Filter) WithRefresh() Filter {
	next := f.clone()
	next.RefreshNonce++
	return next
}

// Cleared drops every user-facing criterion but keeps paging size, sort,
// the adult-content setting and the nonce.
func (f Filter) Cleared() Filter {
	next := NewFilter()
	next.Sort = f.Sort
	next.PageSize = f.PageSize
	next.IncludeAdult = f.IncludeAdult
	next.RefreshNonce = f.RefreshNonce
	return next
}

func (f Filter) HasCriteria() bool {
	return strings.TrimSpace(f.Query) != "" ||
		len(f.Tags) > 0 ||
		len(f.ListIDs) > 0 ||
		f.Important != nil ||
		f.Visited != nil ||
		f.AddedFrom != "" ||
		f.AddedTo != ""
}

func (f Filter) Equal(other Filter) bool {
	return f.Query == other.Query &&
		slices.Equal(f.Tags, other.Tags) &&
		slices.Equal(f.ListIDs, other.ListIDs) &&
		equalBool(f.Important, other.Important) &&
		equalBool(f.Visited, other.Visited) &&
		f.AddedFrom == other.AddedFrom &&
		f.AddedTo == other.AddedTo &&
		f.Sort == other.Sort &&
		f.Page == other.Page &&
		f.PageSize == other.PageSize &&
		f.IncludeAdult == other.IncludeAdult &&
		f.RefreshNonce == other.RefreshNonce
}

// Key renders the snapshot as a stable string. Two filters are Equal exactly
// when their keys match.
func (f Filter) Key() string {
	parts := []string{
		"q=" + strconv.Quote(f.Query),
		"tags=" + quoteList(f.Tags),
		"lists=" + quoteList(f.ListIDs),
		"important=" + formatBool(f.Important),
		"visited=" + formatBool(f.Visited),
		"from=" + strconv.Quote(f.AddedFrom),
		"to=" + strconv.Quote(f.AddedTo),
		"sort=" + string(f.Sort),
		"page=" + strconv.Itoa(f.Page),
		"size=" + strconv.Itoa(f.PageSize),
		"adult=" + strconv.FormatBool(f.IncludeAdult),
		"nonce=" + strconv.FormatUint(f.RefreshNonce, 10),
	}
	return strings.Join(parts, "&")
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, value := range values {
		quoted[i] = strconv.Quote(value)
	}
	return strings.Join(quoted, ",")
}

// Summary describes the active criteria for display, "No filters" when none are set.
func (f Filter) Summary() string {
	parts := make([]string, 0, 8)
	if q := strings.TrimSpace(f.Query); q != "" {
		parts = append(parts, fmt.Sprintf("q=%q", q))
	}
	if len(f.Tags) > 0 {
		parts = append(parts, fmt.Sprintf("%d tag(s)", len(f.Tags)))
	}
	if len(f.ListIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%d list(s)", len(f.ListIDs)))
	}
	if f.AddedFrom != "" {
		parts = append(parts, "from "+f.AddedFrom)
	}
	if f.AddedTo != "" {
		parts = append(parts, "to "+f.AddedTo)
	}
	if f.Important != nil {
		parts = append(parts, pick(*f.Important, "important", "not important"))
	}
	if f.Visited != nil {
		parts = append(parts, pick(*f.Visited, "visited", "not visited"))
	}
	if f.Sort != DefaultSort {
		parts = append(parts, "sort="+string(f.Sort))
	}
	if len(parts) == 0 {
		return "No filters"
	}
	return strings.Join(parts, " · ")
}

// ListParams is the parameter set sent to the record service for one page query.
type ListParams struct {
	Query        string
	Tags         []string
	ListIDs      []string
	Important    *bool
	Visited      *bool
	IncludeAdult bool
	AddedFrom    string
	AddedTo      string
	Sort         Sort
	Page         int
	PageSize     int
}

// Params derives the wire parameters: the query is trimmed and day bounds are
// expanded to UTC timestamps covering the whole day.
func (f Filter) Params() ListParams {
	params := ListParams{
		Query:        strings.TrimSpace(f.Query),
		Tags:         slices.Clone(f.Tags),
		ListIDs:      slices.Clone(f.ListIDs),
		Important:    cloneBool(f.Important),
		Visited:      cloneBool(f.Visited),
		IncludeAdult: f.IncludeAdult,
		Sort:         f.Sort,
		Page:         f.Page,
		PageSize:     f.PageSize,
	}
	if from, ok := DayStart(f.AddedFrom); ok {
		params.AddedFrom = from
	}
	if to, ok := DayEnd(f.AddedTo); ok {
		params.AddedTo = to
	}
	return params
}

// DayStart maps "2006-01-02" to "2006-01-02T00:00:00.000Z".
func DayStart(day string) (string, bool) {
	parsed, err := time.ParseInLocation(dayLayout, strings.TrimSpace(day), time.UTC)
	if err != nil {
		return "", false
	}
	return parsed.Format(wireLayout), true
}

// DayEnd maps "2006-01-02" to "2006-01-02T23:59:59.999Z".
func DayEnd(day string) (string, bool) {
	parsed, err := time.ParseInLocation(dayLayout, strings.TrimSpace(day), time.UTC)
	if err != nil {
		return "", false
	}
	end := parsed.Add(24*time.Hour - time.Millisecond)
	return end.Format(wireLayout), true
}

func cloneBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func equalBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatBool(value *bool) string {
	if value == nil {
		return "any"
	}
	return strconv.FormatBool(*value)
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || slices.Contains(out, value) {
			continue
		}
		out = append(out, value)
	}
	return out
}

// Bool is a convenience for building tri-state filter values.
func Bool(value bool) *bool {
	return &value
}
