// Package migrations embeds the Aquifer schema migrations and validates their layout.
//
// Files follow golang-migrate's naming: NNN_name.up.sql / NNN_name.down.sql. The set is
// validated before any state-changing operation: every file name must match, every up must
// have a down, and the sequence must start at 001 with no gaps.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

// FS holds every migration file. It is the source handed to golang-migrate's iofs driver.
//
//go:embed *.sql
var FS embed.FS

var (
	// ErrNoMigrations is returned when the source contains no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for a .sql file that does not follow NNN_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpaired is returned when an up migration has no down (or the reverse).
	ErrUnpaired = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not start at 001 or skip a number.
	ErrSequenceGap = errors.New("migration sequence gap")
)

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// File describes one migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
	Checksum  string
}

// List returns the migration files of fsys in golang-migrate order.
func List(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var files []File

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		file, err := parse(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		file.Checksum = fmt.Sprintf("%x", sha256.Sum256(content))
		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Sequence != files[j].Sequence {
			return files[i].Sequence < files[j].Sequence
		}

		return files[i].Direction > files[j].Direction // up before down
	})

	return files, nil
}

// Validate checks naming, up/down pairing and sequence continuity of fsys.
func Validate(fsys fs.FS) error {
	files, err := List(fsys)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]string)

	for _, f := range files {
		if pairs[f.Sequence] == nil {
			pairs[f.Sequence] = make(map[string]string)
		}

		pairs[f.Sequence][f.Direction] = f.Name
	}

	sequences := make([]int, 0, len(pairs))

	for seq, dirs := range pairs {
		if len(dirs) != 2 {
			return fmt.Errorf("%w: %03d", ErrUnpaired, seq)
		}

		if dirs["up"] != dirs["down"] {
			return fmt.Errorf("%w: %03d has names %q and %q", ErrUnpaired, seq, dirs["up"], dirs["down"])
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

// Latest returns the highest sequence number in fsys, or 0 when it holds none.
func Latest(fsys fs.FS) int {
	files, err := List(fsys)
	if err != nil || len(files) == 0 {
		return 0
	}

	return files[len(files)-1].Sequence
}

func parse(filename string) (File, error) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return File{}, fmt.Errorf("%w: %s (expected NNN_name.up.sql or NNN_name.down.sql)", ErrInvalidFilename, filename)
	}

	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return File{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return File{Sequence: seq, Name: m[2], Direction: m[3], Filename: filename}, nil
}
