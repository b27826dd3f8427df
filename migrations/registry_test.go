package migrations_test

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/goliatone/go-webhook-pipeline/migrations"
)

func fixtureTree() fstest.MapFS {
	return fstest.MapFS{
		"20250101000000_create_pipeline_tables.up.sql":          {Data: []byte("CREATE TABLE webhook_events ();")},
		"20250101000000_create_pipeline_tables.down.sql":        {Data: []byte("DROP TABLE webhook_events;")},
		"sqlite/20250101000000_create_pipeline_tables.up.sql":   {Data: []byte("CREATE TABLE webhook_events ();")},
		"sqlite/20250101000000_create_pipeline_tables.down.sql": {Data: []byte("DROP TABLE webhook_events;")},
	}
}

func TestFilesystemsResolvesEmbeddedTree(t *testing.T) {
	filesystems, err := migrations.Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected postgres and sqlite specs, got %d", len(filesystems))
	}

	byDialect := map[string]migrations.FilesystemSpec{}
	for _, spec := range filesystems {
		byDialect[spec.Dialect] = spec
	}
	for _, dialect := range []string{migrations.DialectPostgres, migrations.DialectSQLite} {
		spec, ok := byDialect[dialect]
		if !ok {
			t.Fatalf("missing %s spec", dialect)
		}
		matches, err := fs.Glob(spec.FS, "*.up.sql")
		if err != nil || len(matches) == 0 {
			t.Fatalf("%s: expected up migrations, got %v (err %v)", dialect, matches, err)
		}
	}
}

func TestFilesystemsAcceptsFixtureRoot(t *testing.T) {
	filesystems, err := migrations.Filesystems(fixtureTree())
	if err != nil {
		t.Fatalf("filesystems with fixture: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(filesystems))
	}
	if filesystems[0].Path != "." || filesystems[1].Path != "sqlite" {
		t.Fatalf("unexpected paths: %q %q", filesystems[0].Path, filesystems[1].Path)
	}
}

func TestFilesystemsRejectsEmptyTree(t *testing.T) {
	empty := fstest.MapFS{
		"sqlite/placeholder.txt": {Data: []byte("nothing here")},
	}
	if _, err := migrations.Filesystems(empty); err == nil {
		t.Fatal("expected error for tree without up migrations")
	}
}

func TestRegisterFiltersDialects(t *testing.T) {
	var calls []string
	_, err := migrations.Register(context.Background(),
		func(_ context.Context, dialect string, sourceLabel string, fsys fs.FS) error {
			if sourceLabel != migrations.SourceLabel {
				t.Fatalf("unexpected source label %q", sourceLabel)
			}
			if fsys == nil {
				t.Fatal("expected filesystem")
			}
			calls = append(calls, dialect)
			return nil
		},
		migrations.DialectSQLite,
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != migrations.DialectSQLite {
		t.Fatalf("expected sqlite only, got %v", calls)
	}
}

func TestRegisterAllDialectsByDefault(t *testing.T) {
	var calls []string
	_, err := migrations.Register(context.Background(),
		func(_ context.Context, dialect string, _ string, _ fs.FS) error {
			calls = append(calls, dialect)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects, got %v", calls)
	}
}

func TestRegisterPropagatesCallbackError(t *testing.T) {
	boom := errors.New("registration blew up")
	_, err := migrations.Register(context.Background(),
		func(context.Context, string, string, fs.FS) error { return boom },
	)
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped callback error, got %v", err)
	}

	if _, err := migrations.Register(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil register function")
	}
}
