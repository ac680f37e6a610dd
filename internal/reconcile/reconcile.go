// Package reconcile matches TAPD items to their mirrored Maniphest tasks.
//
// No mapping is stored anywhere: the correspondence is re-derived on every
// run from the back-link each mirrored description ends with.
package reconcile

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/pkg/models"
)

var patterns sync.Map // marker -> *regexp.Regexp

// markerPattern returns the compiled back-link pattern for marker.
func markerPattern(marker string) *regexp.Regexp {
	if re, ok := patterns.Load(marker); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := patterns.LoadOrStore(marker, regexp.MustCompile(regexp.QuoteMeta(marker)+`(\d+)\s*$`))
	return re.(*regexp.Regexp)
}

// ExtractID returns the numeric id that follows marker at the end of text.
func ExtractID(text, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}
	return extract(markerPattern(marker), text)
}

func extract(re *regexp.Regexp, text string) (string, bool) {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// Index maps TAPD ids to mirrored tasks, stories and tasks separately.
type Index struct {
	Stories map[string]models.ManiphestTask
	Tasks   map[string]models.ManiphestTask
}

// Build scans every task description once. Tasks without a back-link are not
// ours and are ignored. When two tasks carry the same id the later one wins.
func Build(tasks []models.ManiphestTask, storyMarker, taskMarker string) *Index {
	index := &Index{
		Stories: make(map[string]models.ManiphestTask),
		Tasks:   make(map[string]models.ManiphestTask),
	}

	story := matcher(storyMarker)
	child := matcher(taskMarker)

	for _, task := range tasks {
		if id, ok := story(task.Description); ok {
			add(index.Stories, "story", id, task)
		} else if id, ok := child(task.Description); ok {
			add(index.Tasks, "task", id, task)
		}
	}

	logging.Info("built reconciliation index",
		"tasks", len(tasks),
		"stories_mirrored", len(index.Stories),
		"tasks_mirrored", len(index.Tasks))

	return index
}

// matcher resolves the pattern for marker once for a whole scan.
func matcher(marker string) func(string) (string, bool) {
	if marker == "" {
		return func(string) (string, bool) { return "", false }
	}
	re := markerPattern(marker)
	return func(text string) (string, bool) { return extract(re, text) }
}

func add(m map[string]models.ManiphestTask, kind, id string, task models.ManiphestTask) {
	if prev, ok := m[id]; ok {
		logging.Warn("duplicate back-link, keeping the later task",
			"kind", kind,
			"source_id", id,
			"dropped_task", prev.ID,
			"kept_task", task.ID)
	}
	m[id] = task
}

// Action is what a pass does with one source item.
type Action int

const (
	// Create mirrors an item that has no task yet
	Create Action = iota
	// Update brings an existing task in line with its item
	Update
	// Skip leaves the item alone
	Skip
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	case Skip:
		return "skip"
	}
	return "unknown"
}

// Decision is the outcome of matching one source item.
type Decision struct {
	Action Action

	// Task is the mirrored task; only set for Update
	Task models.ManiphestTask
}

// Decide matches a source item against the mirrored tasks. Items already in
// a closed status are never mirrored for the first time.
func Decide(sourceID, status string, mirrored map[string]models.ManiphestTask, closed []string) Decision {
	if task, ok := mirrored[sourceID]; ok {
		return Decision{Action: Update, Task: task}
	}
	if IsClosed(status, closed) {
		return Decision{Action: Skip}
	}
	return Decision{Action: Create}
}

// IsClosed reports whether a mapped Maniphest status is one of closed.
func IsClosed(status string, closed []string) bool {
	return slices.ContainsFunc(closed, func(s string) bool {
		return strings.EqualFold(s, status)
	})
}

// Orphans returns the mirrored tasks whose source id is not in sourceIDs,
// ordered by task id. sourceIDs must be the complete listing.
func Orphans(sourceIDs []string, mirrored map[string]models.ManiphestTask) []models.ManiphestTask {
	live := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		live[id] = struct{}{}
	}

	var orphans []models.ManiphestTask
	for id, task := range mirrored {
		if _, ok := live[id]; !ok {
			orphans = append(orphans, task)
		}
	}

	slices.SortFunc(orphans, func(a, b models.ManiphestTask) int {
		return a.ID - b.ID
	})
	return orphans
}
