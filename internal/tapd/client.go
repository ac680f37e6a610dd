// Package tapd provides functionality for interacting with the TAPD API.
package tapd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/retry"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// TimeLayout is the timestamp format used by TAPD.
const TimeLayout = "2006-01-02 15:04:05"

const (
	listPath    = "/api/tapd/external/common/getEntryBySource/"
	editPath    = "/api/tapd/external/common/editEntry/story/"
	commentPath = "/api/tapd/external/comment/getCommentBySource"
	imagePath   = "/api/tapd/external/image/"
)

// APIError is returned when TAPD answers with a non-success status.
type APIError struct {
	Status int
	Info   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tapd api error (status %d): %s", e.Status, e.Info)
}

// envelope is the wrapper around every TAPD response.
type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Info   string          `json:"info"`
}

type listRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Limit       int    `json:"limit"`
	Page        int    `json:"page"`
	Modified    string `json:"modified,omitempty"`
}

// Client encapsulates the TAPD API client.
type Client struct {
	cfg      config.TapdConfig
	baseURL  string
	pageSize int
	http     *http.Client
	download *http.Client
	retry    retry.Policy
}

// NewClient creates a TAPD client. When a token is configured every API
// request carries it as a bearer token.
func NewClient(cfg config.TapdConfig) *Client {
	httpClient := &http.Client{}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	httpClient.Timeout = 60 * time.Second

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	policy := retry.New(cfg.MaxRetries, cfg.Sleep)
	policy.OnExhausted = func(name string, err error) {
		logging.Error("failed to send request to tapd", "request", name, "error", err)
	}

	logging.Debug("tapd configuration",
		"api_url", cfg.APIURL,
		"project", cfg.Project,
		"workspace_id", cfg.WorkspaceID,
		"token", logging.MaskSensitive(cfg.Token))

	return &Client{
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		pageSize: pageSize,
		http:     httpClient,
		download: &http.Client{Timeout: 60 * time.Second},
		retry:    policy,
	}
}

// ListStories returns every story modified after since, or all stories when
// since is zero.
func (c *Client) ListStories(ctx context.Context, since time.Time) ([]models.Story, error) {
	stories, err := listEntries[models.Story](ctx, c, "story", "Story", since)
	if err != nil {
		return nil, err
	}
	logging.Info("fetched tapd stories", "count", len(stories), "since", formatSince(since))
	return stories, nil
}

// ListTasks returns every task modified after since, or all tasks when since
// is zero.
func (c *Client) ListTasks(ctx context.Context, since time.Time) ([]models.Task, error) {
	tasks, err := listEntries[models.Task](ctx, c, "task", "Task", since)
	if err != nil {
		return nil, err
	}
	logging.Info("fetched tapd tasks", "count", len(tasks), "since", formatSince(since))
	return tasks, nil
}

// listEntries pages through getEntryBySource. A page shorter than the page
// size is the last one.
func listEntries[T any](ctx context.Context, c *Client, entity, wrapper string, since time.Time) ([]T, error) {
	var all []T
	request := listRequest{
		WorkspaceID: c.cfg.WorkspaceID,
		Limit:       c.pageSize,
	}
	if !since.IsZero() {
		request.Modified = ">" + since.Format(TimeLayout)
	}

	for page := 1; ; page++ {
		request.Page = page

		var entries []map[string]T
		if err := c.post(ctx, listPath+entity+"/"+c.cfg.Project, request, &entries); err != nil {
			return nil, fmt.Errorf("failed to list tapd %s page %d: %w", entity, page, err)
		}

		for _, entry := range entries {
			if item, ok := entry[wrapper]; ok {
				all = append(all, item)
			}
		}

		logging.Debug("fetched tapd page", "entity", entity, "page", page, "count", len(entries))

		if len(entries) < c.pageSize {
			return all, nil
		}
	}
}

// ListComments returns the comments created after since.
func (c *Client) ListComments(ctx context.Context, since time.Time) ([]models.Comment, error) {
	query := url.Values{}
	query.Set("source", c.cfg.Project)
	if !since.IsZero() {
		query.Set("created", ">"+since.Format(TimeLayout))
	}

	var entries []map[string]models.Comment
	if err := c.get(ctx, commentPath, query, &entries); err != nil {
		return nil, fmt.Errorf("failed to list tapd comments: %w", err)
	}

	comments := make([]models.Comment, 0, len(entries))
	for _, entry := range entries {
		if comment, ok := entry["Comment"]; ok {
			comments = append(comments, comment)
		}
	}

	logging.Info("fetched tapd comments", "count", len(comments))
	return comments, nil
}

// EditStory writes the non-empty values of edit into the story's custom fields.
func (c *Client) EditStory(ctx context.Context, edit models.StoryEdit) error {
	if edit.StoryID == "" {
		return fmt.Errorf("story id is required")
	}

	body := map[string]string{
		"workspace_id": c.cfg.WorkspaceID,
		"id":           edit.StoryID,
	}
	if edit.TaskURL != "" {
		body[c.cfg.TaskURLField] = edit.TaskURL
	}
	if edit.DiffTags != "" {
		body[c.cfg.DiffTagField] = edit.DiffTags
	}
	if len(body) == 2 {
		return nil
	}

	if err := c.post(ctx, editPath+c.cfg.Project, body, nil); err != nil {
		return fmt.Errorf("failed to edit tapd story %s: %w", edit.StoryID, err)
	}

	logging.Info("updated tapd story", "story_id", edit.StoryID)
	return nil
}

// ImageURL resolves an image embedded in a TAPD description to a download URL.
func (c *Client) ImageURL(ctx context.Context, imageURL string) (string, error) {
	if !c.IsTapdImage(imageURL) {
		return "", fmt.Errorf("not a tapd image url: %s", imageURL)
	}

	query := url.Values{}
	query.Set("workspaceId", c.cfg.WorkspaceID)
	query.Set("imagePath", strings.TrimPrefix(imageURL, c.cfg.BaseImageURL))

	var data struct {
		Attachment struct {
			DownloadURL string `json:"download_url"`
		} `json:"Attachment"`
	}
	if err := c.get(ctx, imagePath+c.cfg.Project, query, &data); err != nil {
		return "", fmt.Errorf("failed to get tapd image %s: %w", imageURL, err)
	}
	if data.Attachment.DownloadURL == "" {
		return "", fmt.Errorf("tapd returned no download url for %s", imageURL)
	}

	return data.Attachment.DownloadURL, nil
}

// Download fetches the raw bytes behind a download URL. The request is made
// without TAPD credentials since download URLs are pre-signed.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	var data []byte
	err := c.retry.Do(ctx, "GET "+downloadURL, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := c.download.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := retry.CheckResponse(resp); err != nil {
			return err
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", downloadURL, err)
	}
	return data, nil
}

// FetchImage resolves and downloads a TAPD image in one step.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	downloadURL, err := c.ImageURL(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return c.Download(ctx, downloadURL)
}

// StoryURL returns the web URL of a story.
func (c *Client) StoryURL(storyID string) string {
	return c.workspaceURL(c.cfg.BaseStoryURL) + storyID
}

// TaskURL returns the web URL of a task.
func (c *Client) TaskURL(taskID string) string {
	return c.workspaceURL(c.cfg.BaseTaskURL) + taskID
}

func (c *Client) workspaceURL(base string) string {
	return strings.Replace(base, "workspace_id", c.cfg.WorkspaceID, 1)
}

// CategoryName maps a category id to the workboard column name configured
// for it. Unknown ids map to "".
func (c *Client) CategoryName(categoryID string) string {
	return c.cfg.CategoryNames[categoryID]
}

// IsDocTemplate reports whether a story was created from the documentation
// template; such stories are not work items.
func (c *Client) IsDocTemplate(templateID string) bool {
	return c.cfg.DocTemplateID != "" && c.cfg.DocTemplateID == templateID
}

// IsTapdImage reports whether url points at TAPD's file host.
func (c *Client) IsTapdImage(imageURL string) bool {
	return c.cfg.BaseImageURL != "" && strings.HasPrefix(imageURL, c.cfg.BaseImageURL)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// do sends a request through the retry policy and decodes the data field of
// the response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return c.retry.Do(ctx, method+" "+path, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := retry.CheckResponse(resp); err != nil {
			return err
		}

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		if env.Status != 1 {
			return retry.Permanent(&APIError{Status: env.Status, Info: env.Info})
		}

		if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode response data: %w", err))
			}
		}
		return nil
	})
}

func formatSince(since time.Time) string {
	if since.IsZero() {
		return "all"
	}
	return since.Format(TimeLayout)
}
