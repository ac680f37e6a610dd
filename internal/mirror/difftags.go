package mirror

import (
	"context"
	"slices"
	"strings"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/pkg/models"
)

// MergeDiffTags adds tags to the comma-separated list existing, keeping the
// existing order and dropping duplicates.
func MergeDiffTags(existing string, tags []string) string {
	var merged []string
	for _, tag := range append(strings.Split(existing, ","), tags...) {
		tag = strings.TrimSpace(tag)
		if tag != "" && !slices.Contains(merged, tag) {
			merged = append(merged, tag)
		}
	}
	return strings.Join(merged, ",")
}

// shouldWriteDiffTags decides whether a merged tag list is written back.
// The legacy mode writes whenever the story has any tag.
func (s *Syncer) shouldWriteDiffTags(existing, merged string) bool {
	if s.cfg.DiffTagMergeMode == config.MergeModeChanged {
		return merged != existing
	}
	return merged != ""
}

// mergeDiffTags writes the diff tags of changed tasks into their stories.
// Stories outside the window are looked up in the complete listing.
func (p *pass) mergeDiffTags(ctx context.Context, window []models.Story, storyIDs []string, tags map[string][]string) {
	if len(storyIDs) == 0 {
		return
	}

	known := make(map[string]models.Story, len(window))
	for _, story := range window {
		known[story.ID] = story
	}

	for _, storyID := range storyIDs {
		story, ok := known[storyID]
		if !ok {
			all, err := p.allStories(ctx)
			if err != nil {
				logging.Error("failed to fetch tapd stories for diff tags", "error", err)
				return
			}
			for _, s := range all {
				if _, seen := known[s.ID]; !seen {
					known[s.ID] = s
				}
			}
			if story, ok = known[storyID]; !ok {
				logging.Warn("story of tagged task not found", "story_id", storyID)
				continue
			}
		}

		merged := MergeDiffTags(story.DiffTags, tags[storyID])
		if !p.shouldWriteDiffTags(story.DiffTags, merged) {
			logging.Debug("diff tags unchanged", "story_id", storyID, "diff_tags", merged)
			continue
		}

		if err := p.source.EditStory(ctx, models.StoryEdit{StoryID: storyID, DiffTags: merged}); err != nil {
			logging.Error("failed to write diff tags", "story_id", storyID, "error", err)
			p.report.Failed++
			continue
		}
		p.report.DiffTags++
	}
}
