package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iago/vestigium-sync/internal/domain"
)

type listRecordsResponse struct {
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	Items      []domain.Record `json:"items"`
	TotalCount *int            `json:"totalCount"`
}

// ListRecords fetches one page. When the server omits totalCount it is
// derived as everything before this page plus the items on it.
func (c *Client) ListRecords(ctx context.Context, params domain.ListParams) (domain.ListResult, error) {
	var response listRecordsResponse
	if err := c.do(ctx, http.MethodGet, "/api/entries", listQuery(params), nil, &response); err != nil {
		return domain.ListResult{}, err
	}

	result := domain.ListResult{
		Page:     response.Page,
		PageSize: response.PageSize,
		Items:    response.Items,
	}
	if result.Items == nil {
		result.Items = []domain.Record{}
	}
	if response.TotalCount != nil {
		result.TotalCount = *response.TotalCount
	} else {
		result.TotalCount = params.Page*params.PageSize + len(result.Items)
	}
	return result, nil
}

func listQuery(params domain.ListParams) url.Values {
	query := url.Values{}
	if params.Query != "" {
		query.Set("q", params.Query)
	}
	for _, tag := range params.Tags {
		query.Add("tags", tag)
	}
	for _, id := range params.ListIDs {
		query.Add("listId", id)
	}
	if params.Important != nil {
		query.Set("important", strconv.FormatBool(*params.Important))
	}
	if params.Visited != nil {
		query.Set("visited", strconv.FormatBool(*params.Visited))
	}
	query.Set("includeNsfw", strconv.FormatBool(params.IncludeAdult))
	if params.AddedFrom != "" {
		query.Set("addedFrom", params.AddedFrom)
	}
	if params.AddedTo != "" {
		query.Set("addedTo", params.AddedTo)
	}
	if params.Sort != "" {
		query.Set("sort", string(params.Sort))
	}
	query.Set("page", strconv.Itoa(params.Page))
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = domain.DefaultPageSize
	}
	query.Set("pageSize", strconv.Itoa(pageSize))
	return query
}

func (c *Client) GetRecord(ctx context.Context, id string) (domain.RecordDetails, error) {
	if strings.TrimSpace(id) == "" {
		return domain.RecordDetails{}, errors.New("record id is required")
	}
	var details domain.RecordDetails
	if err := c.do(ctx, http.MethodGet, "/api/entries/"+url.PathEscape(id), nil, nil, &details); err != nil {
		return domain.RecordDetails{}, err
	}
	return details, nil
}

// PatchRecord applies a partial update and returns the record as stored.
func (c *Client) PatchRecord(ctx context.Context, id string, patch domain.RecordPatch) (domain.Record, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Record{}, errors.New("record id is required")
	}
	var record domain.Record
	if err := c.do(ctx, http.MethodPatch, "/api/entries/"+url.PathEscape(id), nil, patch, &record); err != nil {
		return domain.Record{}, err
	}
	return record, nil
}

func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("record id is required")
	}
	return c.do(ctx, http.MethodDelete, "/api/entries/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) SuggestTags(ctx context.Context, prefix string, limit int) ([]domain.TagSuggestion, error) {
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{}
	if trimmed := strings.TrimSpace(prefix); trimmed != "" {
		query.Set("prefix", trimmed)
	}
	query.Set("limit", strconv.Itoa(limit))

	var suggestions []domain.TagSuggestion
	if err := c.do(ctx, http.MethodGet, "/api/tags/suggest", query, nil, &suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}
