package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	pipeline "github.com/goliatone/go-webhook-pipeline"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SourceLabel identifies this module's migrations when several embedded
// trees are registered against the same persistence client.
const SourceLabel = "go-webhook-pipeline"

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

// Filesystems resolves the embedded migration tree into per-dialect
// filesystems. An explicit source overrides the embedded default, which
// lets tests substitute a fixture tree.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := pipeline.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	base, basePath, err := migrationsRoot(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: pathJoin(basePath, "sqlite"), FS: sqliteFS},
	}

	for _, fsys := range filesystems {
		matches, globErr := fs.Glob(fsys.FS, "*.up.sql")
		if globErr != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, globErr)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", fsys.Dialect, fsys.Path)
		}
	}

	return filesystems, nil
}

// Register invokes registerFn for every dialect named in dialects (all
// dialects when empty) against the embedded migration tree.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) ([]FilesystemSpec, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(dialects))
	for _, dialect := range dialects {
		trimmed := strings.TrimSpace(strings.ToLower(dialect))
		if trimmed != "" {
			wanted[trimmed] = struct{}{}
		}
	}

	for _, fsys := range filesystems {
		if len(wanted) > 0 {
			if _, ok := wanted[fsys.Dialect]; !ok {
				continue
			}
		}
		if err := registerFn(ctx, fsys.Dialect, SourceLabel, fsys.FS); err != nil {
			return filesystems, fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}

	return filesystems, nil
}

func migrationsRoot(root fs.FS) (fs.FS, string, error) {
	if _, err := fs.Stat(root, "data/sql/migrations"); err == nil {
		sub, subErr := fs.Sub(root, "data/sql/migrations")
		if subErr != nil {
			return nil, "", fmt.Errorf("migrations: resolve embedded root: %w", subErr)
		}
		return sub, "data/sql/migrations", nil
	}

	entries, err := fs.ReadDir(root, ".")
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
				return root, ".", nil
			}
		}
	}

	return nil, "", fmt.Errorf("migrations: data/sql/migrations not found in source filesystem")
}

func pathJoin(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
