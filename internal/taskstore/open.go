package taskstore

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StatsReporter is implemented by every backend in this package.
type StatsReporter interface {
	Stats(ctx context.Context) (map[types.TaskStatus]int, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend      string
	Dir          string // file backend directory, default sqlite location
	SQLitePath   string
	PostgresDSN  string
	SyncOnAppend bool
	MaxBackups   int
}

// Shared reports whether the backend can be opened by several processes
// at once, which out-of-process commands require.
func Shared(backend string) bool {
	return backend == BackendSQLite || backend == BackendPostgres
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(FileOptions{
			Dir:          opts.Dir,
			SyncOnAppend: opts.SyncOnAppend,
			MaxBackups:   opts.MaxBackups,
		}, logger)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.Dir, "tasks.db")
		}
		return OpenSQLite(path)
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
