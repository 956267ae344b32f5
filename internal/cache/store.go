package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// Store 管理检索状态记录与已落盘对象。
type Store interface {
	// Lookup 返回 id 对应的状态记录；自身缺失时回退到 series、study 级记录。
	// 祖先为 Completed 时合成一条指向对应子目录/文件的 Completed 记录。
	// 均不存在时返回 ErrNotFound。
	Lookup(ctx context.Context, id Identifier) (*Entry, error)

	// MarkInProgress 覆盖写入 InProgress 记录，既用于创建也用于刷新计数。
	MarkInProgress(ctx context.Context, id Identifier, counters Counters) (*Entry, error)

	// MarkCompleted 写入终态 Completed 记录，ContentRoot 指向 id 的内容位置。
	MarkCompleted(ctx context.Context, id Identifier, completed, warning int) (*Entry, error)

	// MarkFailed 写入终态 Failed 记录。
	MarkFailed(ctx context.Context, id Identifier, message string, counters Counters) (*Entry, error)

	// FileCount 统计 id 目录下已落盘的 .dcm 文件数量，作为完成判定依据。
	FileCount(ctx context.Context, id Identifier) (int, error)

	// Files 按路径排序返回 id 下所有 .dcm 文件。
	Files(ctx context.Context, id Identifier) ([]string, error)

	// WriteObject 原子写入一个对象：先写 .tmp 再 rename；失败时清理并留下 .err。
	WriteObject(ctx context.Context, obj Object, transferSyntax, sopClassUID string) (string, error)

	// Purge 清空缓存根目录，启动时调用。
	Purge(ctx context.Context) error

	// Collections 列出缓存中的 study 及其最新修改时间，供诊断使用。
	Collections(ctx context.Context) ([]Collection, error)

	// Pin 标记 study 正在被检索，Reaper 会跳过被标记的 study；返回值用于解除标记。
	Pin(id Identifier) (unpin func())

	// Pinned 返回 study 是否被标记。
	Pinned(study string) bool

	// Root 返回缓存根目录的绝对路径。
	Root() string
}

// Object 是一个待写入的已解码对象，由 DIMSE toolkit 提供。
type Object interface {
	String(tag dcm.Tag) string
	Encode(w io.Writer, transferSyntax string) error
}

// Unknown 表示远端未上报的计数。
const Unknown = -1

// Status 是检索状态。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 返回状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Counters 对应 C-MOVE 的子操作计数，未知时为 Unknown。
type Counters struct {
	Remaining int `json:"remaining"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Warning   int `json:"warning"`
}

// UnknownCounters 返回全部未知的计数。
func UnknownCounters() Counters {
	return Counters{Remaining: Unknown, Completed: Unknown, Failed: Unknown, Warning: Unknown}
}

// Expected 返回 completed+warning，未知项按 0 计。
func (c Counters) Expected() int {
	return max(c.Completed, 0) + max(c.Warning, 0)
}

// Entry 是持久化的检索状态记录。
type Entry struct {
	Status Status `json:"status"`
	Counters
	ContentRoot string    `json:"content_root,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Collection 描述一个 study 目录。
type Collection struct {
	Study   string
	ModTime time.Time
	Files   int
	Entry   *Entry
}

// Identifier 是三级缓存键 study/series/instance；层级由非空字段数决定。
type Identifier struct {
	Study    string
	Series   string
	Instance string
}

// Level 返回对应的 QueryRetrieveLevel。
func (id Identifier) Level() dcm.Level {
	switch {
	case id.Instance != "":
		return dcm.LevelImage
	case id.Series != "":
		return dcm.LevelSeries
	default:
		return dcm.LevelStudy
	}
}

// Parent 返回上一级标识；study 级返回 false。
func (id Identifier) Parent() (Identifier, bool) {
	switch {
	case id.Instance != "":
		return Identifier{Study: id.Study, Series: id.Series}, true
	case id.Series != "":
		return Identifier{Study: id.Study}, true
	default:
		return Identifier{}, false
	}
}

// Validate 拒绝缺层级以及不符合 UID 字符集的标识；
// 这也保证 UID 不会与目录分隔符或 .info 文件名冲突。
func (id Identifier) Validate() error {
	if id.Study == "" {
		return fmt.Errorf("%w: study uid required", ErrInvalidIdentifier)
	}
	if id.Instance != "" && id.Series == "" {
		return fmt.Errorf("%w: instance requires series", ErrInvalidIdentifier)
	}
	for _, part := range []string{id.Study, id.Series, id.Instance} {
		if part != "" && !isUID(part) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, part)
		}
	}
	return nil
}

// isUID 按 UI 字符集校验：数字分量以点分隔，最长 64 字符。
func isUID(s string) bool {
	if len(s) > 64 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

func (id Identifier) String() string {
	parts := []string{id.Study}
	if id.Series != "" {
		parts = append(parts, id.Series)
	}
	if id.Instance != "" {
		parts = append(parts, id.Instance)
	}
	return strings.Join(parts, "/")
}

var (
	// ErrNotFound 表示缓存中没有对应记录。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidIdentifier 表示标识不合法。
	ErrInvalidIdentifier = errors.New("invalid cache identifier")
)
