package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// revision is one embedded schema file. The numeric filename prefix
// (NNNN_name.sql) is its version.
type revision struct {
	version int
	name    string
	script  string
}

func loadRevisions() ([]revision, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	revs := make([]revision, 0, len(names))
	for _, name := range names {
		base := strings.TrimPrefix(name, "sql/")
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("schema file %s: want NNNN_name.sql", base)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s: non-numeric prefix %q", base, prefix)
		}
		script, err := fs.ReadFile(schemaFS, name)
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{version: version, name: base, script: string(script)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })
	return revs, nil
}

// currentRevision reads the applied schema version, creating and seeding the
// tracking table on a fresh database.
func currentRevision(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("schema_version table: %w", err)
	}
	var current int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		_, err = tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`)
		if err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}

// Migrate brings the database up to the newest embedded revision. Pending
// revisions run in version order inside one transaction; already-applied
// ones are skipped.
func Migrate(db *sql.DB) error {
	revs, err := loadRevisions()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentRevision(tx)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if rev.version <= current {
			continue
		}
		if _, err := tx.Exec(rev.script); err != nil {
			return fmt.Errorf("apply %s: %w", rev.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, rev.version); err != nil {
			return fmt.Errorf("record %s: %w", rev.name, err)
		}
	}
	return tx.Commit()
}
