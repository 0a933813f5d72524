package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// fakeLLM is a scriptable provider: set Fail to exercise fallback paths
// or Response to script a completion.
type fakeLLM struct {
	mu       sync.Mutex
	Fail     bool
	Response string
	Vector   []float32
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, req *interfaces.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Fail {
		return "", fmt.Errorf("provider unavailable")
	}
	return f.Response, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Fail {
		return nil, fmt.Errorf("provider unavailable")
	}
	if f.Vector != nil {
		return f.Vector, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeItems is an in-memory ItemStorage.
type fakeItems struct {
	mu            sync.Mutex
	items         map[string]*models.Item
	optimizations []*models.OptimizationRecord
	assessments   []*models.QualityAssessmentRecord
	embeddings    map[string]*models.EmbeddingRecord
	memberships   []*models.ClusterMembership
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		items:      make(map[string]*models.Item),
		embeddings: make(map[string]*models.EmbeddingRecord),
	}
}

func (f *fakeItems) SaveItem(ctx context.Context, item *models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *item
	f.items[item.ID] = &copied
	return nil
}

func (f *fakeItems) GetItem(ctx context.Context, id string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, interfaces.ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (f *fakeItems) ListItemsByUser(ctx context.Context, userID string, opts *interfaces.ItemOptions) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Item
	for _, item := range f.items {
		if item.UserID == userID {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeItems) MarkCanonical(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return interfaces.ErrItemNotFound
	}
	item.IsCanonical = true
	item.IsDuplicate = false
	item.CanonicalID = ""
	return nil
}

func (f *fakeItems) MarkDuplicate(ctx context.Context, id, canonicalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return interfaces.ErrItemNotFound
	}
	item.IsDuplicate = true
	item.IsCanonical = false
	item.CanonicalID = canonicalID
	return nil
}

func (f *fakeItems) SaveOptimization(ctx context.Context, rec *models.OptimizationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimizations = append(f.optimizations, rec)
	return nil
}

func (f *fakeItems) ListOptimizations(ctx context.Context, itemID string) ([]*models.OptimizationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OptimizationRecord
	for _, rec := range f.optimizations {
		if rec.ItemID == itemID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeItems) SaveQualityAssessment(ctx context.Context, rec *models.QualityAssessmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessments = append(f.assessments, rec)
	return nil
}

func (f *fakeItems) SaveEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[rec.ItemID] = rec
	return nil
}

func (f *fakeItems) GetEmbedding(ctx context.Context, itemID string) (*models.EmbeddingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.embeddings[itemID]
	if !ok {
		return nil, interfaces.ErrItemNotFound
	}
	return rec, nil
}

func (f *fakeItems) SaveClusterMembership(ctx context.Context, rec *models.ClusterMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships = append(f.memberships, rec)
	return nil
}

var _ interfaces.ItemStorage = (*fakeItems)(nil)
var _ interfaces.LLMProvider = (*fakeLLM)(nil)

func noProgress(percentage float64, message string, data map[string]interface{}) {}
