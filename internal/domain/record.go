package domain

import (
	"encoding/json"
	"time"
)

// Record is a saved bookmark as returned by the record service.
type Record struct {
	ID                string     `json:"id"`
	URL               string     `json:"url"`
	Title             string     `json:"title,omitempty"`
	Description       string     `json:"description,omitempty"`
	Tags              []string   `json:"tags"`
	Important         bool       `json:"important"`
	VisitedAt         *time.Time `json:"visitedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ThumbnailURL      string     `json:"thumbnailUrl"`
	ThumbnailLargeURL string     `json:"thumbnailLargeUrl"`
	LatestTaskFailed  bool       `json:"latestJobFailed,omitempty"`
}

type Attachment struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	DownloadURL  string `json:"downloadUrl"`
}

type RecordDetails struct {
	Record      Record       `json:"entry"`
	Attachments []Attachment `json:"attachments"`
}

// RecordPatch carries the fields of a partial update. Nil fields are left
// untouched; a non-nil empty Tags clears every tag.
type RecordPatch struct {
	Title       *string
	Description *string
	Important   *bool
	Tags        []string
}

func (p RecordPatch) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, 4)
	if p.Title != nil {
		payload["title"] = *p.Title
	}
	if p.Description != nil {
		payload["description"] = *p.Description
	}
	if p.Important != nil {
		payload["important"] = *p.Important
	}
	if p.Tags != nil {
		payload["tags"] = p.Tags
	}
	return json.Marshal(payload)
}

// ListResult is one page of records plus the server-side total for the filter.
type ListResult struct {
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	Items      []Record `json:"items"`
	TotalCount int      `json:"totalCount"`
}

type TagSuggestion struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CloneRecord returns a copy that shares no slices with r.
func CloneRecord(r Record) Record {
	clone := r
	clone.Tags = append([]string(nil), r.Tags...)
	if r.VisitedAt != nil {
		visited := *r.VisitedAt
		clone.VisitedAt = &visited
	}
	return clone
}
