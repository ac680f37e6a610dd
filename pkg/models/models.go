// Package models defines data structures shared across the application.
package models

import (
	"slices"
)

// Story represents a TAPD story, the top-level item that drives synchronization
type Story struct {
	// ID is the TAPD story identifier (e.g., "1159680598001012345")
	ID string `json:"id"`

	// WorkspaceID is the TAPD workspace the story belongs to
	WorkspaceID string `json:"workspace_id"`

	// ParentID is the identifier of the parent story, if any
	ParentID string `json:"parent_id"`

	// AncestorID is the identifier of the root story of the hierarchy
	AncestorID string `json:"ancestor_id"`

	// Name is the story's title
	Name string `json:"name"`

	// Description is the rich-text (HTML) body of the story
	Description string `json:"description"`

	// Status is the workflow status name (e.g., "Developing")
	Status string `json:"status"`

	// Priority is the priority label (e.g., "High", "Nice To Have")
	Priority string `json:"priority"`

	// CategoryID is the TAPD category the story is filed under
	CategoryID string `json:"category_id"`

	// Owner, Developer and QA are semicolon-delimited usernames
	Owner     string `json:"owner"`
	Developer string `json:"developer"`
	QA        string `json:"qa"`

	// Creator is the username of the story's author
	Creator string `json:"creator"`

	// TemplatedID is the template the story was created from
	TemplatedID string `json:"templated_id"`

	// DiffTags holds the merged diff tags of the story's tasks
	DiffTags string `json:"diff_tags"`

	// Modified is the last modification time as reported by TAPD
	Modified string `json:"modified"`
}

// Task represents a TAPD task, a child item of a story
type Task struct {
	ID          string `json:"id"`
	StoryID     string `json:"story_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Owner       string `json:"owner"`
	Creator     string `json:"creator"`

	// DiffTag is the code review tag (e.g., "D1234") recorded on the task
	DiffTag string `json:"diff_tag"`

	Modified string `json:"modified"`
}

// Comment represents a comment left on a TAPD story or task
type Comment struct {
	ID          string `json:"id"`
	EntryType   string `json:"entry_type"`
	EntryID     string `json:"entry_id"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Created     string `json:"created"`
}

// ManiphestTask represents a Phabricator Maniphest task with the fields we mirror.
type ManiphestTask struct {
	// ID is the numeric task identifier (the "T123" display id without the "T")
	ID int

	// PHID is the stable handle used for cross-links (e.g., "PHID-TASK-abc")
	PHID string

	Title       string
	Description string

	// Owner is the PHID of the task owner
	Owner string

	Priority string
	Status   string

	// Developers and Testers are user PHIDs stored in custom fields
	Developers []string
	Testers    []string

	// Column is the name of the workboard column the task sits in
	Column string
}

// Field names a mirrored Maniphest field.
type Field string

// Known Maniphest fields, in the order their transactions are submitted.
const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldOwner       Field = "owner"
	FieldDevelopers  Field = "developers"
	FieldTesters     Field = "testers"
	FieldColumn      Field = "column"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldParent      Field = "parent"
)

// AllFields lists every known field in submission order.
var AllFields = []Field{
	FieldTitle,
	FieldDescription,
	FieldOwner,
	FieldDevelopers,
	FieldTesters,
	FieldColumn,
	FieldStatus,
	FieldPriority,
	FieldParent,
}

// TaskFields holds the values of every mirrored field. Absent optional
// fields are left empty.
type TaskFields struct {
	Title       string
	Description string
	Owner       string
	Developers  []string
	Testers     []string
	Column      string
	Status      string
	Priority    string

	// Parent is the PHID of the parent task; only sent on create
	Parent string
}

// IsEmpty reports whether the value of f is empty.
func (f TaskFields) IsEmpty(field Field) bool {
	switch field {
	case FieldTitle:
		return f.Title == ""
	case FieldDescription:
		return f.Description == ""
	case FieldOwner:
		return f.Owner == ""
	case FieldDevelopers:
		return len(f.Developers) == 0
	case FieldTesters:
		return len(f.Testers) == 0
	case FieldColumn:
		return f.Column == ""
	case FieldStatus:
		return f.Status == ""
	case FieldPriority:
		return f.Priority == ""
	case FieldParent:
		return f.Parent == ""
	}
	return true
}

// TaskEdit is a single create or update request against Maniphest. It is
// built by the mapper, submitted once and discarded.
type TaskEdit struct {
	// TaskID identifies the task to update; empty for a create
	TaskID string

	// Token is the Conduit API token of the user the edit is made as
	Token string

	Fields TaskFields

	// Set lists the fields included in the edit, in submission order
	Set []Field
}

// IsCreate reports whether the edit creates a new task.
func (e TaskEdit) IsCreate() bool {
	return e.TaskID == ""
}

// Has reports whether field is part of the edit.
func (e TaskEdit) Has(field Field) bool {
	return slices.Contains(e.Set, field)
}

// StoryEdit is a write-back into a TAPD story's custom fields. Empty values
// are not sent.
type StoryEdit struct {
	StoryID  string
	TaskURL  string
	DiffTags string
}
