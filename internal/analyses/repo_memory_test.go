package analyses

import (
	"context"
	"errors"
	"testing"
	"time"
)

func queuedAnalysis(id, projectID string) Analysis {
	return Analysis{
		ID:          id,
		ProjectID:   projectID,
		Persona:     PersonaSmartBot,
		ContentType: "reviews",
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryRepoGetOrCreateReusesActiveJob(t *testing.T) {
	for _, status := range []string{StatusQueued, StatusProcessing, StatusCompleted} {
		t.Run(status, func(t *testing.T) {
			repo := NewMemoryRepo()
			seed := queuedAnalysis("a1", "p1")
			if _, _, err := repo.GetOrCreateForProject(context.Background(), seed, true); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if status != StatusQueued {
				if err := repo.UpdateStatus(context.Background(), "a1", status, nil); err != nil {
					t.Fatalf("update status: %v", err)
				}
			}

			got, created, err := repo.GetOrCreateForProject(context.Background(), queuedAnalysis("a2", "p1"), true)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if created || got.ID != "a1" {
				t.Fatalf("expected reuse of a1, got created=%v id=%s", created, got.ID)
			}
		})
	}
}

func TestMemoryRepoGetOrCreateFailedJob(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.Create(context.Background(), queuedAnalysis("a1", "p1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.UpdateFailure(context.Background(), "a1", ErrorCodeQuotaExceeded, "quota", true, time.Now().UTC()); err != nil {
		t.Fatalf("update failure: %v", err)
	}

	got, created, err := repo.GetOrCreateForProject(context.Background(), queuedAnalysis("a2", "p1"), false)
	if !errors.Is(err, ErrRetryRequired) {
		t.Fatalf("expected ErrRetryRequired, got %v", err)
	}
	if created || got.ID != "a1" {
		t.Fatalf("expected the failed record back, got created=%v id=%s", created, got.ID)
	}

	got, created, err = repo.GetOrCreateForProject(context.Background(), queuedAnalysis("a2", "p1"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || got.ID != "a2" {
		t.Fatalf("expected a new record after a failure, got created=%v id=%s", created, got.ID)
	}
}

func TestMemoryRepoScopesAreIndependent(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.Create(context.Background(), queuedAnalysis("a1", "p1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	other := queuedAnalysis("a2", "p1")
	other.Persona = PersonaDataAnalyst
	_, created, err := repo.GetOrCreateForProject(context.Background(), other, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("a different persona must get its own job")
	}
}

func TestMemoryRepoListByProject(t *testing.T) {
	repo := NewMemoryRepo()
	base := time.Now().UTC()
	for i, id := range []string{"a1", "a2", "a3"} {
		a := queuedAnalysis(id, "p1")
		a.Persona = Persona(id)
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(context.Background(), a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	list, err := repo.ListByProject(context.Background(), "p1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a3" || list[1].ID != "a2" {
		t.Fatalf("expected newest-first [a3 a2], got %+v", list)
	}

	list, err = repo.ListByProject(context.Background(), "p1", 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a1" {
		t.Fatalf("expected [a1], got %+v", list)
	}
}

func TestMemoryRepoUpdateStatusNotFound(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.UpdateStatus(context.Background(), "missing", StatusProcessing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryResultRepoUpsertVersioning(t *testing.T) {
	repo := NewMemoryResultRepo()

	if _, err := repo.Latest(context.Background(), "p1", PersonaSmartBot, "reviews"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first, err := repo.Upsert(context.Background(), "p1", PersonaSmartBot, "reviews", MergedResult{Route: RouteSinglePass})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := repo.Upsert(context.Background(), "p1", PersonaSmartBot, "reviews", MergedResult{Route: RouteMapReduce})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("CreatedAt must survive re-analysis")
	}
	if second.Result.Route != RouteMapReduce {
		t.Fatalf("result not replaced: %+v", second.Result)
	}
}
