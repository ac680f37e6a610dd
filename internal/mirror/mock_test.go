package mirror

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/danielolaszy/tracksync/internal/phabricator"
	"github.com/danielolaszy/tracksync/pkg/models"
)

const (
	storyURL = "https://www.tapd.cn/59680598/prong/stories/view/"
	taskURL  = "https://www.tapd.cn/59680598/prong/tasks/view/"
)

// MockSource is a mock implementation of Source
type MockSource struct {
	ListStoriesFunc  func(ctx context.Context, since time.Time) ([]models.Story, error)
	ListTasksFunc    func(ctx context.Context, since time.Time) ([]models.Task, error)
	ListCommentsFunc func(ctx context.Context, since time.Time) ([]models.Comment, error)
	EditStoryFunc    func(ctx context.Context, edit models.StoryEdit) error
	FetchImageFunc   func(ctx context.Context, imageURL string) ([]byte, error)

	StoryEdits []models.StoryEdit
}

func (m *MockSource) ListStories(ctx context.Context, since time.Time) ([]models.Story, error) {
	if m.ListStoriesFunc != nil {
		return m.ListStoriesFunc(ctx, since)
	}
	return nil, nil
}

func (m *MockSource) ListTasks(ctx context.Context, since time.Time) ([]models.Task, error) {
	if m.ListTasksFunc != nil {
		return m.ListTasksFunc(ctx, since)
	}
	return nil, nil
}

func (m *MockSource) ListComments(ctx context.Context, since time.Time) ([]models.Comment, error) {
	if m.ListCommentsFunc != nil {
		return m.ListCommentsFunc(ctx, since)
	}
	return nil, nil
}

func (m *MockSource) EditStory(ctx context.Context, edit models.StoryEdit) error {
	m.StoryEdits = append(m.StoryEdits, edit)
	if m.EditStoryFunc != nil {
		return m.EditStoryFunc(ctx, edit)
	}
	return nil
}

func (m *MockSource) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if m.FetchImageFunc != nil {
		return m.FetchImageFunc(ctx, imageURL)
	}
	return []byte("image"), nil
}

func (m *MockSource) StoryURL(storyID string) string { return storyURL + storyID }

func (m *MockSource) TaskURL(taskID string) string { return taskURL + taskID }

func (m *MockSource) CategoryName(categoryID string) string {
	if categoryID == "12" {
		return "Developing"
	}
	return ""
}

func (m *MockSource) IsDocTemplate(templateID string) bool { return templateID == "doc" }

// MockDestination is a mock implementation of Destination. Unless EditFunc
// is set, edits are applied to Tasks so later passes see their effect.
type MockDestination struct {
	SearchTasksFunc func(ctx context.Context) ([]models.ManiphestTask, error)
	EditFunc        func(ctx context.Context, edit models.TaskEdit) (phabricator.EditResult, error)
	CommentFunc     func(ctx context.Context, taskID int, token, text string) error

	Tasks     []models.ManiphestTask
	Edits     []models.TaskEdit
	Comments  []string
	UserCalls int
	Uploads   int
	nextID    int
}

func (m *MockDestination) SearchTasks(ctx context.Context) ([]models.ManiphestTask, error) {
	if m.SearchTasksFunc != nil {
		return m.SearchTasksFunc(ctx)
	}
	return slices.Clone(m.Tasks), nil
}

func (m *MockDestination) Edit(ctx context.Context, edit models.TaskEdit) (phabricator.EditResult, error) {
	m.Edits = append(m.Edits, edit)
	if m.EditFunc != nil {
		return m.EditFunc(ctx, edit)
	}

	if edit.IsCreate() {
		if m.nextID == 0 {
			m.nextID = 100
		}
		task := models.ManiphestTask{ID: m.nextID, PHID: fmt.Sprintf("PHID-TASK-%d", m.nextID)}
		m.nextID++
		apply(&task, edit)
		m.Tasks = append(m.Tasks, task)
		return phabricator.EditResult{ID: task.ID, PHID: task.PHID}, nil
	}

	id, err := strconv.Atoi(edit.TaskID)
	if err != nil {
		return phabricator.EditResult{}, err
	}
	for i := range m.Tasks {
		if m.Tasks[i].ID == id {
			apply(&m.Tasks[i], edit)
			return phabricator.EditResult{ID: id, PHID: m.Tasks[i].PHID}, nil
		}
	}
	return phabricator.EditResult{}, fmt.Errorf("task %d not found", id)
}

func apply(task *models.ManiphestTask, edit models.TaskEdit) {
	f := edit.Fields
	for _, field := range edit.Set {
		switch field {
		case models.FieldTitle:
			task.Title = f.Title
		case models.FieldDescription:
			task.Description = f.Description
		case models.FieldOwner:
			task.Owner = f.Owner
		case models.FieldDevelopers:
			task.Developers = f.Developers
		case models.FieldTesters:
			task.Testers = f.Testers
		case models.FieldColumn:
			task.Column = f.Column
		case models.FieldStatus:
			task.Status = f.Status
		case models.FieldPriority:
			task.Priority = f.Priority
		}
	}
}

func (m *MockDestination) Comment(ctx context.Context, taskID int, token, text string) error {
	if m.CommentFunc != nil {
		if err := m.CommentFunc(ctx, taskID, token, text); err != nil {
			return err
		}
	}
	m.Comments = append(m.Comments, fmt.Sprintf("T%d[%s]: %s", taskID, token, text))
	return nil
}

func (m *MockDestination) UserPHIDs(_ context.Context, usernames []string) []string {
	m.UserCalls++
	phids := make([]string, 0, len(usernames))
	for _, name := range usernames {
		phids = append(phids, "PHID-USER-"+name)
	}
	return phids
}

func (m *MockDestination) UploadFile(_ context.Context, name string, data []byte) (string, error) {
	m.Uploads++
	return fmt.Sprintf("F%d", m.Uploads), nil
}

func (m *MockDestination) TaskURL(id int) string {
	return fmt.Sprintf("https://phab.example.com/T%d", id)
}

func (m *MockDestination) TokenFor(username string) string {
	return "token-" + username
}

// MockTranslator is a mock implementation of translate.Translator
type MockTranslator struct {
	TranslateFunc func(ctx context.Context, text string) (string, error)
}

func (m *MockTranslator) Translate(ctx context.Context, text string) (string, error) {
	return m.TranslateFunc(ctx, text)
}

// mirroredTask returns a task that carries the back-link of a story or task.
func mirroredTask(id int, link string) models.ManiphestTask {
	return models.ManiphestTask{
		ID:          id,
		PHID:        fmt.Sprintf("PHID-TASK-%d", id),
		Title:       "mirrored",
		Description: "body\n\nTAPD Link: " + link,
		Status:      "open",
		Priority:    "normal",
	}
}
