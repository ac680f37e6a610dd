package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/danielolaszy/tracksync/internal/reconcile"
)

// Summary describes how much of TAPD is mirrored.
type Summary struct {
	Stories         int
	StoriesMirrored int
	Tasks           int
	TasksMirrored   int
	OrphanStories   int
	OrphanTasks     int
}

// Status compares the complete TAPD listings with the mirrored tasks.
// Documentation stories are not counted.
func (s *Syncer) Status(ctx context.Context) (Summary, error) {
	stories, err := s.source.ListStories(ctx, time.Time{})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to fetch tapd stories: %w", err)
	}
	tasks, err := s.source.ListTasks(ctx, time.Time{})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to fetch tapd tasks: %w", err)
	}
	p, err := s.newPass(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	storyIDs := make([]string, 0, len(stories))
	for _, story := range stories {
		storyIDs = append(storyIDs, story.ID)
		if s.source.IsDocTemplate(story.TemplatedID) {
			continue
		}
		summary.Stories++
		if _, ok := p.index.Stories[story.ID]; ok {
			summary.StoriesMirrored++
		}
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		taskIDs = append(taskIDs, task.ID)
		summary.Tasks++
		if _, ok := p.index.Tasks[task.ID]; ok {
			summary.TasksMirrored++
		}
	}

	summary.OrphanStories = len(reconcile.Orphans(storyIDs, p.index.Stories))
	summary.OrphanTasks = len(reconcile.Orphans(taskIDs, p.index.Tasks))

	return summary, nil
}
