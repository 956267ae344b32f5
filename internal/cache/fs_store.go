package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	studyInfoName  = "study.info"
	seriesInfoName = "series.info"
	infoExt        = ".info"
	objectExt      = ".dcm"
	tempExt        = ".tmp"
	errorExt       = ".err"
)

// Options 控制 Store 的可选行为。
type Options struct {
	// Now 用于记录 UpdatedAt，默认 time.Now。
	Now func() time.Time
}

// NewStore 以 root 为根目录构建磁盘缓存；目录不存在时创建，存在但不是目录时报错。
func NewStore(root string, opts Options) (Store, error) {
	if root == "" {
		return nil, errors.New("cache root required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("cache root %s is not a directory", abs)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &fileStore{
		root:  abs,
		now:   now,
		locks: make(map[string]*entryLock),
		pins:  make(map[string]int),
	}, nil
}

// fileStore 通过 entryLock 串行化同一标识的写入。
type fileStore struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock

	pinMu sync.Mutex
	pins  map[string]int
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.root
}

func (s *fileStore) Lookup(ctx context.Context, id Identifier) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	entry, err := s.readInfo(id)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	parent, ok := id.Parent()
	if !ok {
		return nil, ErrNotFound
	}
	ancestor, err := s.Lookup(ctx, parent)
	if err != nil {
		return nil, err
	}
	if ancestor.Status != StatusCompleted {
		return ancestor, nil
	}
	derived := *ancestor
	derived.ContentRoot = s.contentPath(id)
	return &derived, nil
}

func (s *fileStore) MarkInProgress(ctx context.Context, id Identifier, counters Counters) (*Entry, error) {
	return s.writeInfo(ctx, id, Entry{Status: StatusInProgress, Counters: counters})
}

func (s *fileStore) MarkCompleted(ctx context.Context, id Identifier, completed, warning int) (*Entry, error) {
	return s.writeInfo(ctx, id, Entry{
		Status:      StatusCompleted,
		Counters:    Counters{Remaining: 0, Completed: completed, Failed: 0, Warning: warning},
		ContentRoot: s.contentPath(id),
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id Identifier, message string, counters Counters) (*Entry, error) {
	return s.writeInfo(ctx, id, Entry{Status: StatusFailed, Counters: counters, Error: message})
}

func (s *fileStore) FileCount(ctx context.Context, id Identifier) (int, error) {
	files, err := s.Files(ctx, id)
	return len(files), err
}

func (s *fileStore) Files(ctx context.Context, id Identifier) ([]string, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	target := s.contentPath(id)
	if id.Instance != "" {
		if _, err := os.Stat(target); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		return []string{target}, nil
	}

	var files []string
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), objectExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (s *fileStore) Purge(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read cache root: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("purge %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *fileStore) Collections(ctx context.Context) ([]Collection, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}
	var out []Collection
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := Identifier{Study: e.Name()}
		if id.Validate() != nil {
			continue
		}
		newest, err := newestModTime(filepath.Join(s.root, e.Name()))
		if err != nil {
			return nil, err
		}
		count, err := s.FileCount(ctx, id)
		if err != nil {
			return nil, err
		}
		c := Collection{Study: e.Name(), ModTime: newest, Files: count}
		if entry, err := s.readInfo(id); err == nil {
			c.Entry = entry
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fileStore) readInfo(id Identifier) (*Entry, error) {
	raw, err := os.ReadFile(s.infoPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.infoPath(id), err)
	}
	return &entry, nil
}

func (s *fileStore) writeInfo(ctx context.Context, id Identifier, entry Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lockEntry(id.String())
	defer unlock()

	entry.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	target := s.infoPath(id)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, ".info-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	return &entry, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// infoPath 返回状态记录路径；instance 级记录与 .dcm 同目录。
func (s *fileStore) infoPath(id Identifier) string {
	switch {
	case id.Instance != "":
		return filepath.Join(s.root, id.Study, id.Series, id.Instance+infoExt)
	case id.Series != "":
		return filepath.Join(s.root, id.Study, id.Series, seriesInfoName)
	default:
		return filepath.Join(s.root, id.Study, studyInfoName)
	}
}

// contentPath 返回 study/series 目录或 instance 文件路径。
func (s *fileStore) contentPath(id Identifier) string {
	switch {
	case id.Instance != "":
		return filepath.Join(s.root, id.Study, id.Series, id.Instance+objectExt)
	case id.Series != "":
		return filepath.Join(s.root, id.Study, id.Series)
	default:
		return filepath.Join(s.root, id.Study)
	}
}

// newestModTime 返回目录树中最新的文件修改时间；没有文件时使用目录自身的时间。
func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if newest.IsZero() {
		info, err := os.Stat(dir)
		if err != nil {
			return time.Time{}, err
		}
		newest = info.ModTime()
	}
	return newest, nil
}
