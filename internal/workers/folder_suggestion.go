package workers

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// FolderSuggestionWorker proposes folder groupings from item types,
// subtypes and tags.
type FolderSuggestionWorker struct {
	items  interfaces.ItemStorage
	logger arbor.ILogger
}

// NewFolderSuggestionWorker creates the folder suggestion worker.
func NewFolderSuggestionWorker(items interfaces.ItemStorage, logger arbor.ILogger) *FolderSuggestionWorker {
	return &FolderSuggestionWorker{items: items, logger: logger}
}

func (w *FolderSuggestionWorker) Type() models.JobType { return models.JobTypeFolderSuggestion }
func (w *FolderSuggestionWorker) Concurrency() int     { return 1 }

func (w *FolderSuggestionWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.FolderSuggestionPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(20, "Loading items", nil)
	var items []*models.Item
	if len(p.ItemIDs) > 0 {
		for _, id := range p.ItemIDs {
			item, err := w.items.GetItem(ctx, id)
			if err != nil {
				if err == interfaces.ErrItemNotFound {
					continue
				}
				return nil, fmt.Errorf("load item %s: %w", id, err)
			}
			items = append(items, item)
		}
	} else {
		var err error
		items, err = w.items.ListItemsByUser(ctx, p.UserID, &interfaces.ItemOptions{Limit: 1000})
		if err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
	}

	report(60, "Grouping by type and tags", map[string]interface{}{"items": len(items)})

	// Primary grouping by type/subtype; tags refine the folder name when
	// a dominant tag covers most of the group.
	groups := make(map[string][]string)
	tagCounts := make(map[string]map[string]int)
	for _, item := range items {
		key := string(item.Type)
		if item.SubType != "" {
			key = key + "/" + item.SubType
		}
		groups[key] = append(groups[key], item.ID)
		if tagCounts[key] == nil {
			tagCounts[key] = make(map[string]int)
		}
		for _, tag := range item.Tags {
			tagCounts[key][tag]++
		}
	}

	var suggestions []map[string]interface{}
	for key, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		name := key
		if dominant := dominantTag(tagCounts[key], len(ids)); dominant != "" {
			name = key + "/" + dominant
		}
		suggestions = append(suggestions, map[string]interface{}{
			"folder":  name,
			"itemIds": ids,
			"count":   len(ids),
		})
	}
	sort.Slice(suggestions, func(i, j int) bool {
		return suggestions[i]["count"].(int) > suggestions[j]["count"].(int)
	})

	return map[string]interface{}{
		"suggestions": suggestions,
		"itemCount":   len(items),
	}, nil
}

// dominantTag returns the tag shared by more than half the group.
func dominantTag(counts map[string]int, groupSize int) string {
	best := ""
	bestCount := 0
	for tag, count := range counts {
		if count > bestCount || (count == bestCount && tag < best) {
			best = tag
			bestCount = count
		}
	}
	if bestCount*2 > groupSize {
		return best
	}
	return ""
}
