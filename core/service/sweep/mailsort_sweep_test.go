package sweep

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
)

type fakeSource struct {
	folders map[string][]*domain.Envelope
	failOn  string
}

func (s *fakeSource) Connect(context.Context) error { return nil }
func (s *fakeSource) Disconnect() error             { return nil }
func (s *fakeSource) Name() string                  { return "fake" }

func (s *fakeSource) ListFolders(context.Context) ([]domain.FolderSpec, error) {
	names := make([]string, 0, len(s.folders))
	for name := range s.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]domain.FolderSpec, len(names))
	for i, name := range names {
		specs[i] = domain.FolderSpec{Folder: name}
	}
	return specs, nil
}

func (s *fakeSource) ReadMessages(_ context.Context, folder domain.FolderSpec, opts out.ReadOptions) (out.MessageIter, error) {
	if folder.Folder == s.failOn {
		return nil, errors.New("folder locked")
	}
	msgs := s.folders[folder.Folder]
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	return &sliceIter{msgs: msgs}, nil
}

type sliceIter struct {
	msgs []*domain.Envelope
	pos  int
}

func (it *sliceIter) Next() (*domain.Envelope, bool) {
	if it.pos >= len(it.msgs) {
		return nil, false
	}
	env := it.msgs[it.pos]
	it.pos++
	return env, true
}
func (it *sliceIter) Err() error   { return nil }
func (it *sliceIter) Close() error { return nil }

type collectQueue struct {
	mu   sync.Mutex
	envs []*domain.Envelope
}

func (q *collectQueue) Enqueue(env *domain.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.envs = append(q.envs, env)
}

func (q *collectQueue) Counters() in.PipelineCounters { return in.PipelineCounters{} }

func (q *collectQueue) byFolder() map[string][]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	got := make(map[string][]string)
	for _, env := range q.envs {
		got[env.Folder] = append(got[env.Folder], env.MessageID)
	}
	return got
}

func folderEnvs(folder string, ids ...string) []*domain.Envelope {
	envs := make([]*domain.Envelope, len(ids))
	for i, id := range ids {
		envs[i] = &domain.Envelope{MessageID: id, Folder: folder}
	}
	return envs
}

// TestRunSweepsAllFolders checks every message lands in the queue and
// per-folder order survives the parallel workers.
func TestRunSweepsAllFolders(t *testing.T) {
	source := &fakeSource{folders: map[string][]*domain.Envelope{
		"Inbox":    folderEnvs("Inbox", "<a@x>", "<b@x>", "<c@x>"),
		"Archives": folderEnvs("Archives", "<d@x>", "<e@x>"),
	}}
	queue := &collectQueue{}

	s := New(source, queue, Options{Workers: 2})
	if err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := queue.byFolder()
	wantInbox := []string{"<a@x>", "<b@x>", "<c@x>"}
	if len(got["Inbox"]) != 3 {
		t.Fatalf("Inbox = %v", got["Inbox"])
	}
	for i, id := range wantInbox {
		if got["Inbox"][i] != id {
			t.Errorf("Inbox[%d] = %q, want %q (order within a folder)", i, got["Inbox"][i], id)
		}
	}
	if len(got["Archives"]) != 2 {
		t.Errorf("Archives = %v", got["Archives"])
	}
}

// TestRunContinuesPastFailedFolder verifies one unreadable folder does not
// abort the sweep.
func TestRunContinuesPastFailedFolder(t *testing.T) {
	source := &fakeSource{
		folders: map[string][]*domain.Envelope{
			"Inbox":  folderEnvs("Inbox", "<a@x>"),
			"Locked": nil,
		},
		failOn: "Locked",
	}
	queue := &collectQueue{}

	s := New(source, queue, Options{Workers: 2})
	if err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := queue.byFolder(); len(got["Inbox"]) != 1 {
		t.Errorf("Inbox = %v", got["Inbox"])
	}
}

// TestRunPerFolderLimit checks the limit applies per folder, not globally.
func TestRunPerFolderLimit(t *testing.T) {
	source := &fakeSource{folders: map[string][]*domain.Envelope{
		"Inbox":    folderEnvs("Inbox", "<a@x>", "<b@x>", "<c@x>"),
		"Archives": folderEnvs("Archives", "<d@x>", "<e@x>", "<f@x>"),
	}}
	queue := &collectQueue{}

	s := New(source, queue, Options{Workers: 1, Limit: 2})
	if err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := queue.byFolder()
	if len(got["Inbox"]) != 2 || len(got["Archives"]) != 2 {
		t.Errorf("per-folder counts = %v", got)
	}
}
