package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mailsort_daemon/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, folder string) *domain.MessageRecord {
	return &domain.MessageRecord{
		MessageID:   id,
		Folder:      folder,
		Subject:     "subject of " + id,
		Sender:      "sender@example.org",
		SourceRef:   "42",
		ProcessedAt: time.Now().UTC(),
	}
}

// TestInsertIfAbsent tests that reinsertion with the same id is a no-op.
func TestInsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertIfAbsent(ctx, record("<a@x>", "INBOX"))
	if err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}
	if !inserted {
		t.Fatal("first insert = false, want true")
	}

	inserted, err = s.InsertIfAbsent(ctx, record("<a@x>", "Other"))
	if err != nil {
		t.Fatalf("reinsert error = %v", err)
	}
	if inserted {
		t.Error("reinsert = true, want false")
	}

	rec, err := s.Get(ctx, "<a@x>")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Folder != "INBOX" {
		t.Errorf("reinsert overwrote folder: %q", rec.Folder)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

// TestGetUnknown tests that an unknown id yields nil without error.
func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), "<missing@x>")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil", rec)
	}
}

// TestUpdateClassification tests prediction recording and nullable fields.
func TestUpdateClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertIfAbsent(ctx, record("<b@x>", "INBOX"))

	rec, _ := s.Get(ctx, "<b@x>")
	if rec.Classified() {
		t.Fatal("fresh record already classified")
	}

	if err := s.UpdateClassification(ctx, "<b@x>", "Work", 0.88); err != nil {
		t.Fatalf("UpdateClassification() error = %v", err)
	}

	rec, _ = s.Get(ctx, "<b@x>")
	if !rec.Classified() || *rec.Category != "Work" {
		t.Errorf("Category = %v, want Work", rec.Category)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.88 {
		t.Errorf("Confidence = %v, want 0.88", rec.Confidence)
	}
}

// TestJunkRecord tests junk fields survive the round trip.
func TestJunkRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("<junk@x>", "INBOX")
	rec.IsJunk = true
	ruleText := "X-Spam-Flag == YES"
	rec.MatchedRule = &ruleText
	s.InsertIfAbsent(ctx, rec)

	got, _ := s.Get(ctx, "<junk@x>")
	if !got.IsJunk {
		t.Error("IsJunk not persisted")
	}
	if got.MatchedRule == nil || *got.MatchedRule != ruleText {
		t.Errorf("MatchedRule = %v, want %q", got.MatchedRule, ruleText)
	}
}

// TestTransferMarkers tests mark, bulk-mark and clear.
func TestTransferMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"<t1@x>", "<t2@x>", "<t3@x>"} {
		s.InsertIfAbsent(ctx, record(id, "INBOX"))
	}

	if err := s.MarkTransferred(ctx, "<t1@x>"); err != nil {
		t.Fatalf("MarkTransferred() error = %v", err)
	}
	rec, _ := s.Get(ctx, "<t1@x>")
	if !rec.Transferred {
		t.Error("t1 not marked transferred")
	}
	rec, _ = s.Get(ctx, "<t2@x>")
	if rec.Transferred {
		t.Error("t2 marked transferred without a call")
	}

	if err := s.MarkTransferredBulk(ctx, []string{"<t2@x>", "<t3@x>"}); err != nil {
		t.Fatalf("MarkTransferredBulk() error = %v", err)
	}

	n, err := s.ClearTransferred(ctx)
	if err != nil {
		t.Fatalf("ClearTransferred() error = %v", err)
	}
	if n != 3 {
		t.Errorf("ClearTransferred() = %d, want 3", n)
	}
}

// TestListQueries tests the folder and category indexes and the
// unclassified listing.
func TestListQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := record("<l1@x>", "INBOX")
	b := record("<l2@x>", "INBOX")
	c := record("<l3@x>", "Archive")
	junk := record("<l4@x>", "INBOX")
	junk.IsJunk = true

	for _, r := range []*domain.MessageRecord{a, b, c, junk} {
		s.InsertIfAbsent(ctx, r)
	}
	s.UpdateClassification(ctx, "<l1@x>", "Work", 0.9)

	byFolder, err := s.ListByFolder(ctx, "INBOX")
	if err != nil {
		t.Fatalf("ListByFolder() error = %v", err)
	}
	if len(byFolder) != 3 {
		t.Errorf("ListByFolder(INBOX) = %d records, want 3", len(byFolder))
	}

	byCat, err := s.ListByCategory(ctx, "Work")
	if err != nil {
		t.Fatalf("ListByCategory() error = %v", err)
	}
	if len(byCat) != 1 || byCat[0].MessageID != "<l1@x>" {
		t.Errorf("ListByCategory(Work) = %v", byCat)
	}

	unclassified, err := s.ListUnclassified(ctx)
	if err != nil {
		t.Fatalf("ListUnclassified() error = %v", err)
	}
	if len(unclassified) != 2 {
		t.Errorf("ListUnclassified() = %d records, want 2 (junk and classified excluded)", len(unclassified))
	}

	counts, err := s.CountByCategory(ctx)
	if err != nil {
		t.Fatalf("CountByCategory() error = %v", err)
	}
	if counts["Work"] != 1 {
		t.Errorf("CountByCategory()[Work] = %d, want 1", counts["Work"])
	}
}

// TestListRecent tests newest-first ordering and the limit.
func TestListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"<r1@x>", "<r2@x>", "<r3@x>"} {
		rec := record(id, "INBOX")
		rec.ProcessedAt = base.Add(time.Duration(i) * time.Minute)
		s.InsertIfAbsent(ctx, rec)
	}

	recent, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("ListRecent(2) = %d records", len(recent))
	}
	if recent[0].MessageID != "<r3@x>" {
		t.Errorf("ListRecent()[0] = %s, want newest <r3@x>", recent[0].MessageID)
	}
}

// TestReplaceCategories tests the category table mirror keeps order.
func TestReplaceCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []domain.Category{
		{Name: "Work", Description: "job"},
		{Name: "Personal", Description: "home"},
	}
	if err := s.ReplaceCategories(ctx, first); err != nil {
		t.Fatalf("ReplaceCategories() error = %v", err)
	}

	second := []domain.Category{
		{Name: "Receipts", Description: "orders"},
		{Name: "Work", Description: "job mail"},
	}
	if err := s.ReplaceCategories(ctx, second); err != nil {
		t.Fatalf("second ReplaceCategories() error = %v", err)
	}

	got, err := s.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListCategories() = %d entries, want 2", len(got))
	}
	if got[0].Name != "Receipts" || got[1].Name != "Work" {
		t.Errorf("order = [%s %s], want [Receipts Work]", got[0].Name, got[1].Name)
	}
	if got[1].Description != "job mail" {
		t.Errorf("Work description = %q, want updated text", got[1].Description)
	}
}
