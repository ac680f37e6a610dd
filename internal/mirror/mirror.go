// Package mirror runs synchronization passes from TAPD to Phabricator.
package mirror

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/mapper"
	"github.com/danielolaszy/tracksync/internal/phabricator"
	"github.com/danielolaszy/tracksync/internal/reconcile"
	"github.com/danielolaszy/tracksync/internal/translate"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// InvalidStatus is the Maniphest status orphaned tasks are moved to.
const InvalidStatus = "invalid"

// Source is the TAPD side of a pass.
type Source interface {
	ListStories(ctx context.Context, since time.Time) ([]models.Story, error)
	ListTasks(ctx context.Context, since time.Time) ([]models.Task, error)
	ListComments(ctx context.Context, since time.Time) ([]models.Comment, error)
	EditStory(ctx context.Context, edit models.StoryEdit) error
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
	StoryURL(storyID string) string
	TaskURL(taskID string) string
	CategoryName(categoryID string) string
	IsDocTemplate(templateID string) bool
}

// Destination is the Phabricator side of a pass.
type Destination interface {
	SearchTasks(ctx context.Context) ([]models.ManiphestTask, error)
	Edit(ctx context.Context, edit models.TaskEdit) (phabricator.EditResult, error)
	Comment(ctx context.Context, taskID int, token, text string) error
	UserPHIDs(ctx context.Context, usernames []string) []string
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	TaskURL(id int) string
	TokenFor(username string) string
}

// Report counts what a pass did.
type Report struct {
	Created     int
	Updated     int
	Skipped     int
	Failed      int
	Comments    int
	DiffTags    int
	Invalidated int
}

// Syncer mirrors TAPD stories, tasks and comments into Maniphest.
type Syncer struct {
	source     Source
	dest       Destination
	translator translate.Translator
	mapper     *mapper.Mapper
	cfg        config.SyncConfig
	weekday    time.Weekday
}

// New creates a Syncer. A nil translator leaves comments untranslated.
func New(source Source, dest Destination, translator translate.Translator, cfg config.SyncConfig) (*Syncer, error) {
	weekday, err := config.ParseWeekday(cfg.InvalidateWeekday)
	if err != nil {
		return nil, err
	}
	if translator == nil {
		translator = translate.Noop{}
	}

	return &Syncer{
		source:     source,
		dest:       dest,
		translator: translator,
		mapper:     mapper.New(cfg, dest, imageCopier{source: source, dest: dest}),
		cfg:        cfg,
		weekday:    weekday,
	}, nil
}

// ShouldInvalidate reports whether a pass started at now falls in the
// weekly invalidation slot: the first window of the configured weekday.
func (s *Syncer) ShouldInvalidate(now time.Time) bool {
	if now.Weekday() != s.weekday {
		return false
	}
	if s.cfg.Window <= 0 {
		return true
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return now.Sub(midnight) < s.cfg.Window
}

// pass holds the state of one run.
type pass struct {
	*Syncer
	index  *reconcile.Index
	report Report

	all       []models.Story
	allLoaded bool
}

func (s *Syncer) newPass(ctx context.Context) (*pass, error) {
	tasks, err := s.dest.SearchTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch phabricator tasks: %w", err)
	}

	return &pass{
		Syncer: s,
		index:  reconcile.Build(tasks, s.cfg.StoryMarker, s.cfg.TaskMarker),
	}, nil
}

// Run executes one reconciliation pass over the items changed since
// now minus the configured window. Failures of single items are logged and
// counted. A failed story listing leaves the story step with nothing to do;
// only failing to list the Phabricator tasks to reconcile against ends the
// pass early.
func (s *Syncer) Run(ctx context.Context, now time.Time, invalidate bool) (Report, error) {
	var since time.Time
	if s.cfg.Window > 0 {
		since = now.Add(-s.cfg.Window)
	}

	logging.Info("starting synchronization pass",
		"since", since,
		"invalidate", invalidate)

	stories, err := s.source.ListStories(ctx, since)
	if err != nil {
		logging.Error("failed to fetch tapd stories, continuing without them", "error", err)
		stories = nil
	}

	p, err := s.newPass(ctx)
	if err != nil {
		return Report{}, err
	}

	for _, story := range stories {
		p.syncStory(ctx, story)
	}

	p.syncComments(ctx, since)
	p.syncTasks(ctx, since, stories)

	if invalidate {
		if err := p.invalidate(ctx); err != nil {
			return p.report, err
		}
	}

	logging.Info("synchronization complete",
		"created", p.report.Created,
		"updated", p.report.Updated,
		"skipped", p.report.Skipped,
		"failed", p.report.Failed,
		"comments", p.report.Comments,
		"diff_tags", p.report.DiffTags,
		"invalidated", p.report.Invalidated)

	return p.report, nil
}

// Invalidate runs only the invalidation phase.
func (s *Syncer) Invalidate(ctx context.Context) (Report, error) {
	p, err := s.newPass(ctx)
	if err != nil {
		return Report{}, err
	}
	if err := p.invalidate(ctx); err != nil {
		return p.report, err
	}
	logging.Info("invalidation complete", "invalidated", p.report.Invalidated, "failed", p.report.Failed)
	return p.report, nil
}

func (p *pass) syncStory(ctx context.Context, story models.Story) {
	if p.source.IsDocTemplate(story.TemplatedID) {
		logging.Debug("skipping documentation story", "story_id", story.ID)
		p.report.Skipped++
		return
	}

	decision := reconcile.Decide(story.ID, p.mapper.Status(story.Status), p.index.Stories, p.cfg.ClosedStatuses)
	if decision.Action == reconcile.Skip {
		logging.Info("skipping closed story without task", "story_id", story.ID, "status", story.Status)
		p.report.Skipped++
		return
	}

	target := mapper.Target{
		Link:   p.source.StoryURL(story.ID),
		Column: p.source.CategoryName(story.CategoryID),
	}
	if decision.Action == reconcile.Update {
		target.Current = &decision.Task
	} else if parent, ok := p.index.Stories[story.ParentID]; ok && story.ParentID != story.ID {
		target.Parent = parent.PHID
	}

	fields := p.mapper.StoryFields(ctx, story, target)
	result, ok := p.submit(ctx, "story", story.ID, story.Creator, decision, fields, p.index.Stories)
	if !ok || decision.Action != reconcile.Create {
		return
	}

	edit := models.StoryEdit{StoryID: story.ID, TaskURL: p.dest.TaskURL(result.ID)}
	if err := p.source.EditStory(ctx, edit); err != nil {
		logging.Warn("failed to write task url back to story",
			"story_id", story.ID,
			"task_id", result.ID,
			"error", err)
	}
}

func (p *pass) syncComments(ctx context.Context, since time.Time) {
	comments, err := p.source.ListComments(ctx, since)
	if err != nil {
		logging.Error("failed to fetch tapd comments", "error", err)
		return
	}

	for _, comment := range comments {
		mirrored := p.index.Stories
		if comment.EntryType == "tasks" {
			mirrored = p.index.Tasks
		}

		task, ok := mirrored[comment.EntryID]
		if !ok {
			logging.Debug("dropping comment on unmirrored item",
				"comment_id", comment.ID,
				"entry_id", comment.EntryID)
			continue
		}

		text := mapper.Text(comment.Description)
		if translated, err := p.translator.Translate(ctx, text); err != nil {
			logging.Warn("failed to translate comment, posting original text",
				"comment_id", comment.ID,
				"error", err)
		} else {
			text = translated
		}

		token := p.dest.TokenFor(comment.Author)
		if err := p.dest.Comment(ctx, task.ID, token, mapper.Comment(comment.Author, text)); err != nil {
			logging.Error("failed to mirror comment",
				"comment_id", comment.ID,
				"task_id", task.ID,
				"error", err)
			p.report.Failed++
			continue
		}
		p.report.Comments++
	}
}

func (p *pass) syncTasks(ctx context.Context, since time.Time, stories []models.Story) {
	tasks, err := p.source.ListTasks(ctx, since)
	if err != nil {
		logging.Error("failed to fetch tapd tasks", "error", err)
		return
	}

	tags := make(map[string][]string)
	var tagged []string

	for _, task := range tasks {
		if task.DiffTag != "" {
			if _, ok := tags[task.StoryID]; !ok {
				tagged = append(tagged, task.StoryID)
			}
			tags[task.StoryID] = append(tags[task.StoryID], task.DiffTag)
		}
		p.syncTask(ctx, task)
	}

	p.mergeDiffTags(ctx, stories, tagged, tags)
}

func (p *pass) syncTask(ctx context.Context, task models.Task) {
	parent, ok := p.index.Stories[task.StoryID]
	if !ok {
		logging.Debug("skipping task whose story is not mirrored",
			"task_id", task.ID,
			"story_id", task.StoryID)
		p.report.Skipped++
		return
	}

	decision := reconcile.Decide(task.ID, p.mapper.TaskStatus(task.Status), p.index.Tasks, p.cfg.ClosedStatuses)
	if decision.Action == reconcile.Skip {
		logging.Info("skipping closed task without mirror", "task_id", task.ID, "status", task.Status)
		p.report.Skipped++
		return
	}

	target := mapper.Target{
		Link:   p.source.TaskURL(task.ID),
		Parent: parent.PHID,
	}
	if decision.Action == reconcile.Update {
		target.Current = &decision.Task
	}

	fields := p.mapper.TaskFields(ctx, task, target)
	p.submit(ctx, "task", task.ID, task.Creator, decision, fields, p.index.Tasks)
}

// submit sends the create or update edit for one item. Created tasks are
// added to mirrored so later steps of the pass can find them.
func (p *pass) submit(ctx context.Context, kind, sourceID, author string, decision reconcile.Decision, fields models.TaskFields, mirrored map[string]models.ManiphestTask) (phabricator.EditResult, bool) {
	var edit models.TaskEdit
	if decision.Action == reconcile.Create {
		edit = mapper.Create(fields)
	} else {
		edit = mapper.Diff(fields, decision.Task)
	}
	edit.Token = p.dest.TokenFor(author)

	result, err := p.dest.Edit(ctx, edit)
	if err != nil {
		logging.Error("failed to sync "+kind,
			"source_id", sourceID,
			"action", decision.Action.String(),
			"error", err)
		p.report.Failed++
		return result, false
	}

	if decision.Action == reconcile.Create {
		mirrored[sourceID] = models.ManiphestTask{
			ID:          result.ID,
			PHID:        result.PHID,
			Title:       fields.Title,
			Description: fields.Description,
			Owner:       fields.Owner,
			Priority:    fields.Priority,
			Status:      fields.Status,
			Developers:  fields.Developers,
			Testers:     fields.Testers,
			Column:      fields.Column,
		}
		p.report.Created++
	} else {
		p.report.Updated++
	}

	logging.Debug("synced "+kind, "source_id", sourceID, "task_id", result.ID, "action", decision.Action.String())
	return result, true
}

// allStories returns the complete story listing, fetched at most once per
// pass.
func (p *pass) allStories(ctx context.Context) ([]models.Story, error) {
	if !p.allLoaded {
		all, err := p.source.ListStories(ctx, time.Time{})
		if err != nil {
			return nil, err
		}
		p.all = all
		p.allLoaded = true
	}
	return p.all, nil
}

func (p *pass) invalidate(ctx context.Context) error {
	stories, err := p.allStories(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch all tapd stories, skipping invalidation: %w", err)
	}
	storyIDs := make([]string, 0, len(stories))
	for _, story := range stories {
		storyIDs = append(storyIDs, story.ID)
	}
	p.invalidateOrphans(ctx, "story", reconcile.Orphans(storyIDs, p.index.Stories))

	tasks, err := p.source.ListTasks(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to fetch all tapd tasks, skipping task invalidation: %w", err)
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
	}
	p.invalidateOrphans(ctx, "task", reconcile.Orphans(taskIDs, p.index.Tasks))

	return nil
}

func (p *pass) invalidateOrphans(ctx context.Context, kind string, orphans []models.ManiphestTask) {
	for _, orphan := range orphans {
		if orphan.Status == InvalidStatus {
			continue
		}

		edit := models.TaskEdit{
			TaskID: strconv.Itoa(orphan.ID),
			Fields: models.TaskFields{Status: InvalidStatus},
			Set:    []models.Field{models.FieldStatus},
		}
		if _, err := p.dest.Edit(ctx, edit); err != nil {
			logging.Error("failed to invalidate task", "kind", kind, "task_id", orphan.ID, "error", err)
			p.report.Failed++
			continue
		}

		logging.Info("invalidated orphaned task", "kind", kind, "task_id", orphan.ID)
		p.report.Invalidated++
	}
}

// imageCopier fetches images from TAPD and uploads them to Phabricator.
type imageCopier struct {
	source Source
	dest   Destination
}

func (c imageCopier) StoreImage(ctx context.Context, src string) (string, error) {
	data, err := c.source.FetchImage(ctx, src)
	if err != nil {
		return "", err
	}

	name := path.Base(src)
	if u, err := url.Parse(src); err == nil {
		name = path.Base(u.Path)
	}
	return c.dest.UploadFile(ctx, name, data)
}
