package catalog

import (
	"context"
	"testing"
)

func insertText(t *testing.T, s *Store, ts int64, app, text string) int64 {
	t.Helper()
	return mustInsert(t, s, InsertRecord{
		StartedAtMs: ts,
		Path:        "/media/snap-" + text,
		AppBundleID: app,
		Text:        text,
	})
}

func TestSearchSingleToken(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "com.mail", "invoice draft")
	insertText(t, store, 2000, "com.mail", "unrelated memo")

	results, err := store.Search(ctx, SearchQuery{Parts: []string{"invoice"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSearchAllPartsMustMatch(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "", "invoice with totals attached")
	insertText(t, store, 2000, "", "invoice only")
	insertText(t, store, 3000, "", "totals only")

	results, err := store.Search(ctx, SearchQuery{Parts: []string{"invoice", "totals"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly the row containing both parts, got %d", len(results))
	}
	if results[0].StartedAtMs != 1000 {
		t.Errorf("wrong row matched: %+v", results[0])
	}
}

func TestSearchOrGroup(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "", "invoice pending")
	insertText(t, store, 2000, "", "receipt pending")
	insertText(t, store, 3000, "", "memo pending")

	// one part with OR alternatives, a second part AND-ed on top
	results, err := store.Search(ctx, SearchQuery{Parts: []string{"invoice|receipt", "pending"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestSearchNewestFirstScenario(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	// three snapshots for one app within a minute
	insertText(t, store, 60_000, "com.mail", "invoice draft")
	insertText(t, store, 90_000, "com.mail", "invoice final")
	insertText(t, store, 110_000, "com.mail", "unrelated memo")

	results, err := store.Search(ctx, SearchQuery{Parts: []string{"invoice"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 matches, got %d", len(results))
	}
	if results[0].StartedAtMs != 90_000 || results[1].StartedAtMs != 60_000 {
		t.Errorf("results not newest-first: %d, %d", results[0].StartedAtMs, results[1].StartedAtMs)
	}
}

func TestSearchAppAndTimeFilter(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "com.mail", "shared token")
	insertText(t, store, 2000, "com.browser", "shared token")
	insertText(t, store, 3000, "com.mail", "shared token")

	var tests = []struct {
		name  string
		query SearchQuery
		want  int
	}{
		{
			name:  "app filter",
			query: SearchQuery{Parts: []string{"shared"}, Filter: Filter{Apps: []string{"com.mail"}}},
			want:  2,
		},
		{
			name:  "half-open window excludes until",
			query: SearchQuery{Parts: []string{"shared"}, Filter: Filter{SinceMs: 1000, UntilMs: 3000}},
			want:  2,
		},
		{
			name:  "app and window combined",
			query: SearchQuery{Parts: []string{"shared"}, Filter: Filter{Apps: []string{"com.mail"}, SinceMs: 2000}},
			want:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("got %d results, want %d", len(results), tt.want)
			}
		})
	}
}

func TestSearchPagination(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	for i := int64(1); i <= 5; i++ {
		insertText(t, store, i*1000, "", "paged entry")
	}

	page1, err := store.Search(ctx, SearchQuery{Parts: []string{"paged"}, Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	page2, err := store.Search(ctx, SearchQuery{Parts: []string{"paged"}, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("page sizes = %d, %d", len(page1), len(page2))
	}
	if page1[0].StartedAtMs != 5000 || page2[0].StartedAtMs != 3000 {
		t.Errorf("pagination broke recency order: %d, %d", page1[0].StartedAtMs, page2[0].StartedAtMs)
	}
}

func TestSearchQuoteEscaping(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()
	insertText(t, store, 1000, "", `he said "hello" loudly`)

	// embedded quotes must not break the MATCH expression
	if _, err := store.Search(ctx, SearchQuery{Parts: []string{`"hello"`}}); err != nil {
		t.Fatalf("quoted query failed: %v", err)
	}
}

func TestLatest(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "com.a", "first")
	insertText(t, store, 2000, "com.b", "second")

	latest, err := store.Latest(ctx, Filter{}, 1, 0)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(latest) != 1 || latest[0].StartedAtMs != 2000 {
		t.Errorf("Latest returned %+v", latest)
	}
}

func TestRankOfMostRecentIsZero(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	insertText(t, store, 1000, "", "alpha")
	var newest = insertText(t, store, 3000, "", "beta")

	rank, err := store.RankOf(ctx, newest, SearchQuery{})
	if err != nil {
		t.Fatalf("RankOf failed: %v", err)
	}
	if rank != 0 {
		t.Errorf("most recent row has rank %d, want 0", rank)
	}
}

func TestRankStableUnderFrontInsertion(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	var mid = insertText(t, store, 2000, "", "middle")
	insertText(t, store, 3000, "", "newest")

	before, err := store.RankOf(ctx, mid, SearchQuery{})
	if err != nil {
		t.Fatalf("RankOf failed: %v", err)
	}

	// inserting an older row must not move existing ranks
	insertText(t, store, 1000, "", "older")
	after, err := store.RankOf(ctx, mid, SearchQuery{})
	if err != nil {
		t.Fatalf("RankOf failed: %v", err)
	}
	if before != after {
		t.Errorf("rank changed from %d to %d after front-insertion", before, after)
	}
	if after != 1 {
		t.Errorf("rank = %d, want 1", after)
	}
}

func TestRankOfHonorsFilter(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	var target = insertText(t, store, 1000, "com.mail", "invoice")
	insertText(t, store, 2000, "com.browser", "invoice")
	insertText(t, store, 3000, "com.mail", "invoice")

	rank, err := store.RankOf(ctx, target, SearchQuery{Filter: Filter{Apps: []string{"com.mail"}}})
	if err != nil {
		t.Fatalf("RankOf failed: %v", err)
	}
	// only the com.mail row at 3000 is newer under the filter
	if rank != 1 {
		t.Errorf("filtered rank = %d, want 1", rank)
	}
}
