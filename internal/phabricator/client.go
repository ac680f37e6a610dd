// Package phabricator provides functionality for interacting with the
// Phabricator Conduit API.
package phabricator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/retry"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// ErrNotFound is returned when a user, column or file lookup has no match.
var ErrNotFound = errors.New("not found")

// APIError is returned when Conduit answers with a non-null error code.
type APIError struct {
	Method string
	Code   string
	Info   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conduit %s failed: %s: %s", e.Method, e.Code, e.Info)
}

type response struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode *string         `json:"error_code"`
	ErrorInfo *string         `json:"error_info"`
}

// EditResult identifies the task touched by maniphest.edit.
type EditResult struct {
	ID   int
	PHID string
}

// Client encapsulates the Conduit API client.
type Client struct {
	cfg     config.PhabricatorConfig
	apiURL  string
	http    *http.Client
	retry   retry.Policy
	users   map[string]string
	columns map[string]string
}

// NewClient creates a Conduit client. Lookups of users and columns are cached
// for the lifetime of the client.
func NewClient(cfg config.PhabricatorConfig) *Client {
	policy := retry.New(cfg.MaxRetries, cfg.Sleep)
	policy.OnExhausted = func(name string, err error) {
		logging.Error("failed to send request to phabricator", "method", name, "error", err)
	}

	apiURL := cfg.APIURL
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}

	logging.Debug("phabricator configuration",
		"api_url", apiURL,
		"project_id", cfg.ProjectID,
		"api_token", logging.MaskSensitive(cfg.APIToken),
		"user_tokens", len(cfg.APITokenMap))

	return &Client{
		cfg:    cfg,
		apiURL: apiURL,
		http:   &http.Client{Timeout: 60 * time.Second},
		retry:  policy,
		users:  make(map[string]string),
	}
}

// TokenFor returns the API token edits on behalf of username are made with.
func (c *Client) TokenFor(username string) string {
	if token, ok := c.cfg.APITokenMap[username]; ok && token != "" {
		return token
	}
	return c.cfg.APIToken
}

// TaskURL returns the web URL of a task.
func (c *Client) TaskURL(id int) string {
	return fmt.Sprintf("%s/T%d", strings.TrimRight(c.cfg.BaseURL, "/"), id)
}

type searchTask struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Name        string `json:"name"`
		Description struct {
			Raw string `json:"raw"`
		} `json:"description"`
		OwnerPHID *string `json:"ownerPHID"`
		Status    struct {
			Value string `json:"value"`
		} `json:"status"`
		Priority struct {
			Value int    `json:"value"`
			Name  string `json:"name"`
		} `json:"priority"`
		Developers []string `json:"custom.maniphest:developers"`
		Testers    []string `json:"custom.maniphest:testers"`
	} `json:"fields"`
	Attachments struct {
		Columns struct {
			Boards json.RawMessage `json:"boards"`
		} `json:"columns"`
	} `json:"attachments"`
}

type searchResult struct {
	Data   []searchTask `json:"data"`
	Cursor struct {
		After  *string `json:"after"`
		Before *string `json:"before"`
	} `json:"cursor"`
}

// priorityKeywords maps Maniphest priority values to the keywords accepted
// by maniphest.edit.
var priorityKeywords = map[int]string{
	100: "unbreak",
	90:  "triage",
	80:  "high",
	50:  "normal",
	25:  "low",
	0:   "wish",
}

// SearchTasks returns every task tagged with the configured project, following
// the result cursor until it is exhausted.
func (c *Client) SearchTasks(ctx context.Context) ([]models.ManiphestTask, error) {
	var tasks []models.ManiphestTask
	after := ""

	for {
		params := url.Values{}
		params.Set("constraints[projects][0]", c.cfg.ProjectID)
		for i, status := range c.cfg.SearchStatuses {
			params.Set(fmt.Sprintf("constraints[statuses][%d]", i), status)
		}
		params.Set("attachments[columns]", "1")
		if after != "" {
			params.Set("after", after)
		}

		var result searchResult
		if err := c.call(ctx, "maniphest.search", c.cfg.APIToken, params, &result); err != nil {
			return nil, fmt.Errorf("failed to search phabricator tasks: %w", err)
		}

		for _, t := range result.Data {
			tasks = append(tasks, c.toTask(t))
		}

		if result.Cursor.After == nil || *result.Cursor.After == "" {
			break
		}
		after = *result.Cursor.After
	}

	logging.Info("fetched phabricator tasks", "count", len(tasks))
	return tasks, nil
}

func (c *Client) toTask(t searchTask) models.ManiphestTask {
	task := models.ManiphestTask{
		ID:          t.ID,
		PHID:        t.PHID,
		Title:       t.Fields.Name,
		Description: t.Fields.Description.Raw,
		Status:      t.Fields.Status.Value,
		Developers:  t.Fields.Developers,
		Testers:     t.Fields.Testers,
		Column:      c.columnName(t.Attachments.Columns.Boards),
	}
	if t.Fields.OwnerPHID != nil {
		task.Owner = *t.Fields.OwnerPHID
	}

	if keyword, ok := priorityKeywords[t.Fields.Priority.Value]; ok {
		task.Priority = keyword
	} else {
		task.Priority = strings.ToLower(t.Fields.Priority.Name)
	}

	return task
}

// columnName picks the task's column on the project board. Conduit encodes
// an empty board set as [] rather than {}.
func (c *Client) columnName(raw json.RawMessage) string {
	var boards map[string]struct {
		Columns []struct {
			PHID string `json:"phid"`
			Name string `json:"name"`
		} `json:"columns"`
	}
	if err := json.Unmarshal(raw, &boards); err != nil {
		return ""
	}

	if board, ok := boards[c.cfg.ProjectID]; ok && len(board.Columns) > 0 {
		return board.Columns[0].Name
	}
	for _, board := range boards {
		if len(board.Columns) > 0 {
			return board.Columns[0].Name
		}
	}
	return ""
}

// Edit creates the task when edit.TaskID is empty and updates it otherwise.
// The project tag is always applied. Fields that cannot be resolved are
// logged and left out rather than failing the edit.
func (c *Client) Edit(ctx context.Context, edit models.TaskEdit) (EditResult, error) {
	token := edit.Token
	if token == "" {
		token = c.cfg.APIToken
	}

	params := url.Values{}
	if !edit.IsCreate() {
		params.Set("objectIdentifier", edit.TaskID)
	}

	n := 0
	add := func(kind string, values ...string) {
		key := fmt.Sprintf("transactions[%d]", n)
		params.Set(key+"[type]", kind)
		if len(values) == 1 && !isListTransaction(kind) {
			params.Set(key+"[value]", values[0])
		} else {
			for i, v := range values {
				params.Set(fmt.Sprintf("%s[value][%d]", key, i), v)
			}
		}
		n++
	}

	add("projects.add", c.cfg.ProjectID)

	f := edit.Fields
	for _, field := range edit.Set {
		switch field {
		case models.FieldTitle:
			add("title", f.Title)
		case models.FieldDescription:
			add("description", f.Description)
		case models.FieldOwner:
			if f.Owner != "" {
				add("owner", f.Owner)
			}
		case models.FieldDevelopers:
			if len(f.Developers) > 0 {
				add("custom.maniphest:developers", f.Developers...)
			}
		case models.FieldTesters:
			if len(f.Testers) > 0 {
				add("custom.maniphest:testers", f.Testers...)
			}
		case models.FieldColumn:
			if f.Column == "" {
				continue
			}
			columnPHID, err := c.ColumnPHID(ctx, f.Column)
			if err != nil {
				logging.Warn("skipping column transaction", "column", f.Column, "error", err)
				continue
			}
			add("column", columnPHID)
		case models.FieldStatus:
			add("status", f.Status)
		case models.FieldPriority:
			add("priority", f.Priority)
		case models.FieldParent:
			if f.Parent != "" {
				add("parents.set", f.Parent)
			}
		}
	}

	var result struct {
		Object struct {
			ID   int    `json:"id"`
			PHID string `json:"phid"`
		} `json:"object"`
		Transactions []struct {
			PHID string `json:"phid"`
		} `json:"transactions"`
	}
	if err := c.call(ctx, "maniphest.edit", token, params, &result); err != nil {
		if edit.IsCreate() {
			return EditResult{}, fmt.Errorf("failed to create task: %w", err)
		}
		return EditResult{}, fmt.Errorf("failed to update task %s: %w", edit.TaskID, err)
	}

	logging.Info("edited phabricator task",
		"task_id", result.Object.ID,
		"created", edit.IsCreate(),
		"fields", edit.Set,
		"transactions", len(result.Transactions))

	return EditResult{ID: result.Object.ID, PHID: result.Object.PHID}, nil
}

func isListTransaction(kind string) bool {
	switch kind {
	case "projects.add", "column", "parents.set", "custom.maniphest:developers", "custom.maniphest:testers":
		return true
	}
	return false
}

// Comment posts text on a task as the owner of token.
func (c *Client) Comment(ctx context.Context, taskID int, token, text string) error {
	if token == "" {
		token = c.cfg.APIToken
	}

	params := url.Values{}
	params.Set("objectIdentifier", strconv.Itoa(taskID))
	params.Set("transactions[0][type]", "comment")
	params.Set("transactions[0][value]", text)

	if err := c.call(ctx, "maniphest.edit", token, params, nil); err != nil {
		return fmt.Errorf("failed to comment on task %d: %w", taskID, err)
	}

	logging.Info("added comment to phabricator task", "task_id", taskID)
	return nil
}

// UserPHID resolves a username to its PHID.
func (c *Client) UserPHID(ctx context.Context, username string) (string, error) {
	if phid, ok := c.users[username]; ok {
		return phid, nil
	}

	params := url.Values{}
	params.Set("constraints[usernames][0]", username)

	var result struct {
		Data []struct {
			PHID string `json:"phid"`
		} `json:"data"`
	}
	if err := c.call(ctx, "user.search", c.cfg.APIToken, params, &result); err != nil {
		return "", fmt.Errorf("failed to fetch user %s: %w", username, err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("user %s: %w", username, ErrNotFound)
	}

	c.users[username] = result.Data[0].PHID
	return result.Data[0].PHID, nil
}

// UserPHIDs resolves usernames in order. Names that fail to resolve are
// logged and omitted.
func (c *Client) UserPHIDs(ctx context.Context, usernames []string) []string {
	phids := make([]string, 0, len(usernames))
	for _, username := range usernames {
		phid, err := c.UserPHID(ctx, username)
		if err != nil {
			logging.Error("failed to fetch user", "username", username, "error", err)
			continue
		}
		phids = append(phids, phid)
	}
	return phids
}

// ColumnPHID resolves a workboard column name of the configured project.
func (c *Client) ColumnPHID(ctx context.Context, name string) (string, error) {
	if c.columns == nil {
		params := url.Values{}
		params.Set("constraints[projects][0]", c.cfg.ProjectID)

		var result struct {
			Data []struct {
				PHID   string `json:"phid"`
				Fields struct {
					Name string `json:"name"`
				} `json:"fields"`
			} `json:"data"`
		}
		if err := c.call(ctx, "project.column.search", c.cfg.APIToken, params, &result); err != nil {
			return "", fmt.Errorf("failed to fetch columns: %w", err)
		}

		c.columns = make(map[string]string, len(result.Data))
		for _, column := range result.Data {
			c.columns[column.Fields.Name] = column.PHID
		}
		logging.Debug("fetched project columns", "count", len(c.columns))
	}

	phid, ok := c.columns[name]
	if !ok {
		return "", fmt.Errorf("column %q: %w", name, ErrNotFound)
	}
	return phid, nil
}

// UploadFile stores data as a file and returns its monogram (e.g., "F123")
// for use in remarkup.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("data_base64", base64.StdEncoding.EncodeToString(data))

	var phid string
	if err := c.call(ctx, "file.upload", c.cfg.APIToken, params, &phid); err != nil {
		return "", fmt.Errorf("failed to upload file %s: %w", name, err)
	}

	params = url.Values{}
	params.Set("constraints[phids][0]", phid)

	var result struct {
		Data []struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	if err := c.call(ctx, "file.search", c.cfg.APIToken, params, &result); err != nil {
		return "", fmt.Errorf("failed to look up uploaded file %s: %w", phid, err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("file %s: %w", phid, ErrNotFound)
	}

	monogram := fmt.Sprintf("F%d", result.Data[0].ID)
	logging.Info("uploaded file to phabricator", "name", name, "file", monogram)
	return monogram, nil
}

// call invokes a Conduit method and decodes its result into out.
func (c *Client) call(ctx context.Context, method, token string, params url.Values, out any) error {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("api.token", token)
	body := form.Encode()

	return c.retry.Do(ctx, method, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+method, strings.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := retry.CheckResponse(resp); err != nil {
			return err
		}

		var r response
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode %s response: %w", method, err))
		}
		if r.ErrorCode != nil || r.ErrorInfo != nil {
			apiErr := &APIError{Method: method}
			if r.ErrorCode != nil {
				apiErr.Code = *r.ErrorCode
			}
			if r.ErrorInfo != nil {
				apiErr.Info = *r.ErrorInfo
			}
			return retry.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(r.Result, out); err != nil {
				return retry.Permanent(fmt.Errorf("failed to decode %s result: %w", method, err))
			}
		}
		return nil
	})
}
