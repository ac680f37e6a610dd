// Package mapper translates TAPD stories, tasks and comments into Maniphest
// task fields.
package mapper

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// Back-link labels written on the last line of a mirrored description.
const (
	StoryLinkLabel = "TAPD Story Link"
	TaskLinkLabel  = "TAPD Task Link"
)

// UserResolver resolves usernames to Maniphest user PHIDs. Names that cannot
// be resolved are left out of the result.
type UserResolver interface {
	UserPHIDs(ctx context.Context, usernames []string) []string
}

// ImageStore copies a source image to Phabricator and returns its file
// monogram (e.g., "F123").
type ImageStore interface {
	StoreImage(ctx context.Context, src string) (string, error)
}

// Target describes where a mapped item lands.
type Target struct {
	// Link is the source URL written into the back-link line
	Link string

	// Column is the workboard column name; empty leaves the column alone
	Column string

	// Parent is the PHID of the parent task
	Parent string

	// Current is the mirrored task, nil when the item is not mirrored yet
	Current *models.ManiphestTask
}

// Mapper holds the lookup tables and the collaborators needed to map
// source items.
type Mapper struct {
	priorities      map[string]string
	statuses        map[string]string
	taskStatuses    map[string]string
	defaultPriority string
	defaultStatus   string

	users  UserResolver
	images ImageStore
}

// New creates a Mapper. images may be nil, in which case embedded images are
// replaced with their source URL.
func New(cfg config.SyncConfig, users UserResolver, images ImageStore) *Mapper {
	m := &Mapper{
		priorities:      lowerKeys(cfg.PriorityMap),
		statuses:        lowerKeys(cfg.StatusMap),
		taskStatuses:    lowerKeys(cfg.TaskStatusMap),
		defaultPriority: cfg.DefaultPriority,
		defaultStatus:   cfg.DefaultStatus,
		users:           users,
		images:          images,
	}
	if m.defaultPriority == "" {
		m.defaultPriority = "normal"
	}
	if m.defaultStatus == "" {
		m.defaultStatus = "open"
	}
	return m
}

// Keys are matched case-insensitively since viper lowercases map keys.
func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func lookup(table map[string]string, key, fallback string) string {
	if v, ok := table[strings.ToLower(strings.TrimSpace(key))]; ok && v != "" {
		return v
	}
	return fallback
}

// Priority maps a TAPD priority label to a Maniphest priority keyword.
func (m *Mapper) Priority(label string) string {
	return lookup(m.priorities, label, m.defaultPriority)
}

// Status maps a TAPD story status to a Maniphest status.
func (m *Mapper) Status(status string) string {
	return lookup(m.statuses, status, m.defaultStatus)
}

// TaskStatus maps a TAPD task status to a Maniphest status.
func (m *Mapper) TaskStatus(status string) string {
	return lookup(m.taskStatuses, status, m.defaultStatus)
}

// Users splits a semicolon-delimited list of usernames and resolves each one.
func (m *Mapper) Users(ctx context.Context, list string) []string {
	names := SplitUsers(list)
	if len(names) == 0 || m.users == nil {
		return nil
	}
	return m.users.UserPHIDs(ctx, names)
}

// SplitUsers splits a semicolon-delimited list, dropping empty entries.
func SplitUsers(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ";") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// imageRef matches an image embed written by Description.
var imageRef = regexp.MustCompile(`\{(F\d+), alt="([^"]*)"\}`)

// Description converts an HTML body into remarkup and appends the back-link
// line. Images already embedded in existing are reused rather than uploaded
// again.
func (m *Mapper) Description(ctx context.Context, body, label, link, existing string) string {
	known := make(map[string]string)
	for _, match := range imageRef.FindAllStringSubmatch(existing, -1) {
		known[match[2]] = match[1]
	}

	text := render(body, func(src string) string {
		return m.image(ctx, src, known)
	})

	backLink := label + ": " + link
	if text == "" {
		return backLink
	}
	return text + "\n\n" + backLink
}

func (m *Mapper) image(ctx context.Context, src string, known map[string]string) string {
	if src == "" {
		return ""
	}
	alt := strings.ReplaceAll(src, `"`, "%22")

	if file, ok := known[alt]; ok {
		return embed(file, alt)
	}
	if m.images == nil {
		return src
	}

	file, err := m.images.StoreImage(ctx, src)
	if err != nil {
		logging.Warn("failed to copy image, keeping its url", "src", src, "error", err)
		return src
	}

	known[alt] = file
	return embed(file, alt)
}

func embed(file, alt string) string {
	return fmt.Sprintf(`{%s, alt="%s"}`, file, alt)
}

// Text strips the markup from an HTML fragment. Images are dropped.
func Text(body string) string {
	return render(body, nil)
}

// Comment formats the plain text of a TAPD comment for posting on the
// mirrored task.
func Comment(author, text string) string {
	return fmt.Sprintf("By %s from TAPD:\n %s", author, text)
}

// StoryFields maps a story to the full set of Maniphest fields.
func (m *Mapper) StoryFields(ctx context.Context, story models.Story, target Target) models.TaskFields {
	fields := models.TaskFields{
		Title:       story.Name,
		Description: m.Description(ctx, story.Description, StoryLinkLabel, target.Link, current(target).Description),
		Developers:  m.Users(ctx, story.Developer),
		Testers:     m.Users(ctx, story.QA),
		Column:      target.Column,
		Status:      m.Status(story.Status),
		Priority:    m.Priority(story.Priority),
		Parent:      target.Parent,
	}

	// Maniphest tasks have a single owner
	if owners := m.Users(ctx, story.Owner); len(owners) > 0 {
		fields.Owner = owners[0]
	}

	return fields
}

// TaskFields maps a TAPD task to the full set of Maniphest fields.
func (m *Mapper) TaskFields(ctx context.Context, task models.Task, target Target) models.TaskFields {
	fields := models.TaskFields{
		Title:       task.Name,
		Description: m.Description(ctx, task.Description, TaskLinkLabel, target.Link, current(target).Description),
		Column:      target.Column,
		Status:      m.TaskStatus(task.Status),
		Priority:    m.Priority(task.Priority),
		Parent:      target.Parent,
	}

	if owners := m.Users(ctx, task.Owner); len(owners) > 0 {
		fields.Owner = owners[0]
	}

	return fields
}

func current(target Target) models.ManiphestTask {
	if target.Current == nil {
		return models.ManiphestTask{}
	}
	return *target.Current
}

// Create builds the edit creating a task with every non-empty field.
func Create(fields models.TaskFields) models.TaskEdit {
	edit := models.TaskEdit{Fields: fields}
	for _, field := range models.AllFields {
		if !fields.IsEmpty(field) {
			edit.Set = append(edit.Set, field)
		}
	}
	return edit
}

// Diff builds the edit updating have to want. Only fields whose value
// differs are included; empty wanted values never clear a field and the
// parent is only set on create. An item that is already in sync yields an
// edit with no fields.
func Diff(want models.TaskFields, have models.ManiphestTask) models.TaskEdit {
	edit := models.TaskEdit{
		TaskID: strconv.Itoa(have.ID),
		Fields: want,
	}

	for _, field := range models.AllFields {
		if field == models.FieldParent || want.IsEmpty(field) {
			continue
		}
		if differs(field, want, have) {
			edit.Set = append(edit.Set, field)
		}
	}
	return edit
}

func differs(field models.Field, want models.TaskFields, have models.ManiphestTask) bool {
	switch field {
	case models.FieldTitle:
		return want.Title != have.Title
	case models.FieldDescription:
		return want.Description != have.Description
	case models.FieldOwner:
		return want.Owner != have.Owner
	case models.FieldDevelopers:
		return !slices.Equal(want.Developers, have.Developers)
	case models.FieldTesters:
		return !slices.Equal(want.Testers, have.Testers)
	case models.FieldColumn:
		return want.Column != have.Column
	case models.FieldStatus:
		return want.Status != have.Status
	case models.FieldPriority:
		return want.Priority != have.Priority
	}
	return false
}
