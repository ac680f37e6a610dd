package mapper

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// MockUsers is a mock implementation of UserResolver
type MockUsers struct {
	UserPHIDsFunc func(ctx context.Context, usernames []string) []string
}

func (m *MockUsers) UserPHIDs(ctx context.Context, usernames []string) []string {
	return m.UserPHIDsFunc(ctx, usernames)
}

// MockImages is a mock implementation of ImageStore
type MockImages struct {
	StoreImageFunc func(ctx context.Context, src string) (string, error)
	Calls          int
}

func (m *MockImages) StoreImage(ctx context.Context, src string) (string, error) {
	m.Calls++
	return m.StoreImageFunc(ctx, src)
}

func prefixUsers() *MockUsers {
	return &MockUsers{
		UserPHIDsFunc: func(_ context.Context, usernames []string) []string {
			phids := make([]string, 0, len(usernames))
			for _, name := range usernames {
				if name == "ghost" {
					continue
				}
				phids = append(phids, "PHID-USER-"+name)
			}
			return phids
		},
	}
}

func syncConfig() config.SyncConfig {
	// keys arrive lowercased from viper
	return config.SyncConfig{
		PriorityMap: map[string]string{
			"nice to have": "wish",
			"low":          "low",
			"middle":       "normal",
			"high":         "high",
		},
		StatusMap: map[string]string{
			"assess finished":          "resolved",
			"developing":               "open",
			"suspended":                "open",
			"exceptionally terminated": "invalid",
		},
		TaskStatusMap: map[string]string{
			"progressing": "open",
			"done":        "resolved",
		},
		DefaultPriority: "normal",
		DefaultStatus:   "open",
	}
}

func TestLookupTables(t *testing.T) {
	m := New(syncConfig(), nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"known priority", m.Priority("High"), "high"},
		{"priority with spaces", m.Priority("Nice To Have"), "wish"},
		{"unknown priority", m.Priority("Urgent"), "normal"},
		{"empty priority", m.Priority(""), "normal"},
		{"resolved status", m.Status("Assess Finished"), "resolved"},
		{"terminated status", m.Status("Exceptionally Terminated"), "invalid"},
		{"unknown status", m.Status("Planning"), "open"},
		{"task status", m.TaskStatus("done"), "resolved"},
		{"unknown task status", m.TaskStatus("blocked"), "open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestDefaultsWithoutConfig(t *testing.T) {
	m := New(config.SyncConfig{}, nil, nil)
	assert.Equal(t, "normal", m.Priority("High"))
	assert.Equal(t, "open", m.Status("Developing"))
}

func TestUsers(t *testing.T) {
	var asked []string
	users := &MockUsers{UserPHIDsFunc: func(ctx context.Context, names []string) []string {
		asked = names
		return prefixUsers().UserPHIDs(ctx, names)
	}}
	m := New(syncConfig(), users, nil)

	phids := m.Users(context.Background(), " andrey.martin;;ghost; yulia.dewi ;")

	assert.Equal(t, []string{"andrey.martin", "ghost", "yulia.dewi"}, asked)
	assert.Equal(t, []string{"PHID-USER-andrey.martin", "PHID-USER-yulia.dewi"}, phids)
	assert.Nil(t, m.Users(context.Background(), ";;"))
}

func TestText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"empty", "", ""},
		{"plain", "no markup", "no markup"},
		{"paragraphs", "<p>First</p><p>Second <b>bold</b></p>", "First\nSecond bold"},
		{"line breaks", "one<br>two<br/><br/>three", "one\ntwo\n\nthree"},
		{"entities", "<div>Fish &amp; chips&nbsp;</div>", "Fish & chips"},
		{"list", "<ul><li>a</li><li>b</li></ul>", "a\nb"},
		{"script dropped", "<p>ok</p><script>alert(1)</script>", "ok"},
		{"image dropped", `<p>see <img src="https://file.tapd.cn/x.png"></p>`, "see"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Text(tt.html))
		})
	}
}

func TestDescriptionUploadsAndReusesImages(t *testing.T) {
	images := &MockImages{StoreImageFunc: func(_ context.Context, src string) (string, error) {
		return "F7", nil
	}}
	m := New(syncConfig(), nil, images)
	body := `<p>Flow below</p><p><img src="https://file.tapd.cn/tfl/diagram.png"/></p>`
	link := "https://www.tapd.cn/1/prong/stories/view/1001"

	first := m.Description(context.Background(), body, StoryLinkLabel, link, "")

	want := "Flow below\n{F7, alt=\"https://file.tapd.cn/tfl/diagram.png\"}\n\nTAPD Story Link: " + link
	assert.Equal(t, want, first)
	assert.Equal(t, 1, images.Calls)

	second := m.Description(context.Background(), body, StoryLinkLabel, link, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, images.Calls)
}

func TestDescriptionKeepsURLWhenImageCopyFails(t *testing.T) {
	images := &MockImages{StoreImageFunc: func(_ context.Context, src string) (string, error) {
		return "", errors.New("not a tapd image url")
	}}
	m := New(syncConfig(), nil, images)

	got := m.Description(context.Background(), `<img src="https://imgur.com/cat.png">`, TaskLinkLabel, "https://t/501", "")

	assert.Equal(t, "https://imgur.com/cat.png\n\nTAPD Task Link: https://t/501", got)
}

func TestDescriptionWithEmptyBody(t *testing.T) {
	m := New(syncConfig(), nil, nil)
	assert.Equal(t, "TAPD Story Link: https://s/1", m.Description(context.Background(), "", StoryLinkLabel, "https://s/1", ""))
}

func TestComment(t *testing.T) {
	assert.Equal(t, "By yulia.dewi from TAPD:\n Looks & good", Comment("yulia.dewi", Text("<p>Looks &amp; good</p>")))
}

func testStory() models.Story {
	return models.Story{
		ID:          "1001",
		Name:        "Checkout revamp",
		Description: "<p>Rework the checkout page</p>",
		Status:      "Developing",
		Priority:    "High",
		Owner:       "andrey.martin;yulia.dewi;",
		Developer:   "andrey.martin;ghost",
		QA:          "",
	}
}

func TestStoryFields(t *testing.T) {
	m := New(syncConfig(), prefixUsers(), nil)

	fields := m.StoryFields(context.Background(), testStory(), Target{
		Link:   "https://www.tapd.cn/1/prong/stories/view/1001",
		Column: "Developing",
	})

	want := models.TaskFields{
		Title:       "Checkout revamp",
		Description: "Rework the checkout page\n\nTAPD Story Link: https://www.tapd.cn/1/prong/stories/view/1001",
		Owner:       "PHID-USER-andrey.martin",
		Developers:  []string{"PHID-USER-andrey.martin"},
		Column:      "Developing",
		Status:      "open",
		Priority:    "high",
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("StoryFields() mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskFields(t *testing.T) {
	m := New(syncConfig(), prefixUsers(), nil)

	fields := m.TaskFields(context.Background(), models.Task{
		ID:       "501",
		StoryID:  "1001",
		Name:     "Backend API",
		Status:   "progressing",
		Priority: "Low",
		Owner:    "yulia.dewi;",
	}, Target{Link: "https://t/501", Parent: "PHID-TASK-1"})

	assert.Equal(t, "Backend API", fields.Title)
	assert.Equal(t, "TAPD Task Link: https://t/501", fields.Description)
	assert.Equal(t, "PHID-USER-yulia.dewi", fields.Owner)
	assert.Equal(t, "open", fields.Status)
	assert.Equal(t, "low", fields.Priority)
	assert.Equal(t, "PHID-TASK-1", fields.Parent)
}

func TestCreateIncludesNonEmptyFields(t *testing.T) {
	edit := Create(models.TaskFields{
		Title:    "t",
		Owner:    "PHID-USER-a",
		Status:   "open",
		Priority: "normal",
		Parent:   "PHID-TASK-1",
	})

	assert.True(t, edit.IsCreate())
	assert.Equal(t, []models.Field{
		models.FieldTitle, models.FieldOwner, models.FieldStatus, models.FieldPriority, models.FieldParent,
	}, edit.Set)
}

func mirrored(fields models.TaskFields, id int) models.ManiphestTask {
	return models.ManiphestTask{
		ID:          id,
		PHID:        "PHID-TASK-x",
		Title:       fields.Title,
		Description: fields.Description,
		Owner:       fields.Owner,
		Priority:    fields.Priority,
		Status:      fields.Status,
		Developers:  fields.Developers,
		Testers:     fields.Testers,
		Column:      fields.Column,
	}
}

func TestDiffContainsOnlyChangedFields(t *testing.T) {
	m := New(syncConfig(), prefixUsers(), nil)
	target := Target{Link: "https://www.tapd.cn/1/prong/stories/view/1001", Column: "Developing"}
	have := mirrored(m.StoryFields(context.Background(), testStory(), target), 42)
	have.Title = "Old title"
	have.Priority = "low"

	want := m.StoryFields(context.Background(), testStory(), target)
	edit := Diff(want, have)

	assert.Equal(t, "42", edit.TaskID)
	assert.False(t, edit.IsCreate())
	assert.Equal(t, []models.Field{models.FieldTitle, models.FieldPriority}, edit.Set)
}

func TestDiffOfSyncedItemIsEmpty(t *testing.T) {
	m := New(syncConfig(), prefixUsers(), nil)
	story := testStory()
	target := Target{Link: "https://www.tapd.cn/1/prong/stories/view/1001", Column: "Developing"}

	have := mirrored(m.StoryFields(context.Background(), story, target), 42)
	target.Current = &have
	edit := Diff(m.StoryFields(context.Background(), story, target), have)

	require.Equal(t, "42", edit.TaskID)
	assert.Empty(t, edit.Set)
}

func TestDiffNeverClearsOrReparents(t *testing.T) {
	have := models.ManiphestTask{ID: 9, Title: "t", Owner: "PHID-USER-a", Column: "Backlog"}

	edit := Diff(models.TaskFields{Title: "t", Parent: "PHID-TASK-1"}, have)

	assert.Empty(t, edit.Set)
	assert.Equal(t, "PHID-TASK-1", edit.Fields.Parent)
}
