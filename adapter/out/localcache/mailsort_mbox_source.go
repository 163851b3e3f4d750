package localcache

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/emersion/go-mbox"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
	"mailsort_daemon/pkg/mailparse"
)

var (
	_ out.MailSourcePort = (*Source)(nil)
	_ out.RawReader      = (*Source)(nil)
)

// Source streams messages out of the profile's mbox archives.
type Source struct {
	profile  *Profile
	archives []Archive
	log      zerolog.Logger
}

// NewSource wraps an opened profile.
func NewSource(p *Profile) *Source {
	return &Source{profile: p, log: logger.For("localcache")}
}

// Name identifies the back-end in source selection and diagnostics.
func (s *Source) Name() string {
	return "cache"
}

// Connect scans the profile for archives. Rescanning on every connect
// picks up folders created since the last run.
func (s *Source) Connect(ctx context.Context) error {
	archives, err := s.profile.Archives()
	if err != nil {
		return err
	}
	s.archives = archives
	s.log.Debug().Int("archives", len(archives)).Msg("cache scanned")
	return nil
}

// Disconnect releases nothing; archive files are opened per read.
func (s *Source) Disconnect() error {
	return nil
}

// ListFolders returns qualified specs: the profile spans multiple server
// directories, so bare names would collide.
func (s *Source) ListFolders(ctx context.Context) ([]domain.FolderSpec, error) {
	specs := make([]domain.FolderSpec, len(s.archives))
	for i, a := range s.archives {
		specs[i] = a.Spec
	}
	return specs, nil
}

// resolve maps a folder spec onto one archive. An unqualified name present
// under several servers is ambiguous and the caller must qualify it.
func (s *Source) resolve(folder domain.FolderSpec) (*Archive, error) {
	var matches []*Archive
	for i := range s.archives {
		a := &s.archives[i]
		if a.Spec.Folder != folder.Folder {
			continue
		}
		if folder.Qualified() && a.Spec.Server != folder.Server {
			continue
		}
		matches = append(matches, a)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("folder %s not found in local cache", folder)
	case 1:
		return matches[0], nil
	default:
		candidates := make([]string, len(matches))
		for i, m := range matches {
			candidates[i] = m.Spec.String()
		}
		return nil, &domain.AmbiguousFolderError{Folder: folder.Folder, Candidates: candidates}
	}
}

// ReadMessages opens the folder's archive and streams envelopes. Random
// sampling without replacement materializes a reservoir before yielding.
func (s *Source) ReadMessages(ctx context.Context, folder domain.FolderSpec, opts out.ReadOptions) (out.MessageIter, error) {
	archive, err := s.resolve(folder)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(archive.Path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive.Path, err)
	}

	iter := &mboxIter{
		ctx:     ctx,
		archive: archive,
		file:    f,
		reader:  mbox.NewReader(f),
		opts:    opts,
	}
	if opts.Random && opts.Limit > 0 {
		if err := iter.fillReservoir(); err != nil {
			iter.Close()
			return nil, err
		}
	}
	return iter, nil
}

// ReadRaw re-reads one message's original bytes. The source-ref is the
// archive path recorded on the envelope; it must confine to the profile.
func (s *Source) ReadRaw(ctx context.Context, sourceRef, messageID string) ([]byte, error) {
	path, err := s.profile.Confine(sourceRef)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	r := mbox.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mr, err := r.NextMessage()
		if err == io.EOF {
			return nil, fmt.Errorf("message %s not found in %s", messageID, path)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive %s: %w", path, err)
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return nil, fmt.Errorf("read archive %s: %w", path, err)
		}
		env := mailparse.Parse(raw)
		if env.MessageID == messageID {
			return raw, nil
		}
	}
}

// =============================================================================
// Iterator
// =============================================================================

type mboxIter struct {
	ctx     context.Context
	archive *Archive
	file    *os.File
	reader  *mbox.Reader
	opts    out.ReadOptions

	// reservoir holds the random sample when opts.Random is set; pos walks it.
	reservoir []*domain.Envelope
	pos       int

	yielded int
	err     error
	closed  bool
}

func (it *mboxIter) Next() (*domain.Envelope, bool) {
	if it.err != nil || it.closed {
		return nil, false
	}
	if it.opts.Random && it.opts.Limit > 0 {
		if it.pos >= len(it.reservoir) {
			return nil, false
		}
		env := it.reservoir[it.pos]
		it.pos++
		return env, true
	}

	if it.opts.Limit > 0 && it.yielded >= it.opts.Limit {
		return nil, false
	}
	env, err := it.readNext()
	if err == io.EOF {
		return nil, false
	}
	if err != nil {
		it.err = err
		return nil, false
	}
	it.yielded++
	return env, true
}

func (it *mboxIter) readNext() (*domain.Envelope, error) {
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	mr, err := it.reader.NextMessage()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(mr)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", it.archive.Path, err)
	}
	env := mailparse.Parse(raw)
	env.Folder = it.archive.Spec.Folder
	env.Source = domain.SourceLocal
	env.SourceRef = it.archive.Path
	if it.opts.WithRaw {
		env.Raw = raw
	}
	return env, nil
}

// fillReservoir samples without replacement: algorithm R over the full
// archive, then a shuffle so the yielded order carries no position bias.
func (it *mboxIter) fillReservoir() error {
	k := it.opts.Limit
	seen := 0
	for {
		env, err := it.readNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		seen++
		if len(it.reservoir) < k {
			it.reservoir = append(it.reservoir, env)
			continue
		}
		if j := rand.Intn(seen); j < k {
			it.reservoir[j] = env
		}
	}
	rand.Shuffle(len(it.reservoir), func(i, j int) {
		it.reservoir[i], it.reservoir[j] = it.reservoir[j], it.reservoir[i]
	})
	return nil
}

func (it *mboxIter) Err() error {
	return it.err
}

func (it *mboxIter) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.file.Close()
}
