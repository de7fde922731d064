// Package files is a Source of revisions kept as SQL files.
//
// A revision consists of "<revision>_<name>.up.sql" and, when it can be
// undone, "<revision>_<name>.down.sql". The revision token is 12 lower-case
// hex characters. The up file names its predecessor on a line of the form
// "-- revises: <revision>"; without it the revision is a root.
package files

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
	"github.com/root-talis/revise/source"
)

const (
	revisionLength = 12

	upSuffix     = ".up.sql"
	downSuffix   = ".down.sql"
	revisesLabel = "-- revises:"
	dependsLabel = "-- depends on:"
)

var ErrMigrationsDirectoryIsNotADirectory = errors.New("migrations directory is not a directory")

type fileSource struct {
	fsys          fs.FS
	migrationsDir string
}

func NewSource(fsys fs.FS, migrationsDirectory string) (source.Source, error) {
	stat, err := fs.Stat(fsys, migrationsDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	return &fileSource{
		fsys:          fsys,
		migrationsDir: migrationsDirectory,
	}, nil
}

func (src *fileSource) GetAvailableMigrations() ([]migration.Description, error) {
	dirEntries, err := fs.ReadDir(src.fsys, src.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	// find all suitable files and build a collection of descriptions
	migrations := make(revisionMap)
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}

		fileName := entry.Name()
		mig, err := getValidMigrationFromFileName(fileName)
		if err != nil {
			continue
		}

		if strings.HasSuffix(fileName, upSuffix) {
			err = src.readHeader(fileName, &mig, migrations)
		} else {
			err = migrations.updateDescription(mig, nil, migration.Down)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to parse directory entries: %w", err)
		}
	}

	descriptions := make([]migration.Description, 0, len(migrations))
	for _, descr := range migrations {
		if descr.hasUp {
			descriptions = append(descriptions, descr.Description)
		}
	}

	chain, err := source.Resolve(descriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision chain: %w", err)
	}

	return chain, nil
}

func (src *fileSource) readHeader(fileName string, mig *migration.Migration, migrations revisionMap) error {
	content, err := fs.ReadFile(src.fsys, path.Join(src.migrationsDir, fileName))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fileName, err)
	}

	var dependsOn []string

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, revisesLabel):
			mig.DownRevision = strings.TrimSpace(strings.TrimPrefix(line, revisesLabel))
		case strings.HasPrefix(line, dependsLabel):
			for _, dep := range strings.Split(strings.TrimPrefix(line, dependsLabel), ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					dependsOn = append(dependsOn, dep)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", fileName, err)
	}

	return migrations.updateDescription(*mig, dependsOn, migration.Up)
}

type fileDescription struct {
	migration.Description
	hasUp bool
}

type revisionMap map[string]fileDescription

func (m revisionMap) updateDescription(mig migration.Migration, dependsOn []string, direction migration.Direction) error {
	descr, exists := m[mig.Revision]

	switch {
	case !exists:
		descr.Migration = mig

	case descr.Name != mig.Name:
		return fmt.Errorf(
			"%w: revision %s already exists with name \"%s\" (new name \"%s\" is encountered)",
			source.ErrMigrationDuplicated,
			mig.Revision,
			descr.Name,
			mig.Name,
		)
	}

	switch direction {
	case migration.Up:
		descr.DownRevision = mig.DownRevision
		descr.DependsOn = dependsOn
		descr.hasUp = true
	case migration.Down:
		descr.CanUndo = true
	}

	m[mig.Revision] = descr

	return nil
}

func getValidMigrationFromFileName(fileName string) (migration.Migration, error) {
	if !strings.HasSuffix(fileName, upSuffix) && !strings.HasSuffix(fileName, downSuffix) {
		return migration.Migration{}, fmt.Errorf("migration file name has an unknown extension: %s", fileName)
	}

	fullName := strings.TrimSuffix(strings.TrimSuffix(fileName, upSuffix), downSuffix)

	if len(fullName) < revisionLength+2 {
		return migration.Migration{}, fmt.Errorf("migration file name is too short to be valid: %s", fileName)
	}

	revision := fullName[:revisionLength]

	for _, c := range revision {
		if !isLowerHex(c) {
			return migration.Migration{}, fmt.Errorf(
				"migration file name does not contain a valid revision (symbol \"%c\" is not allowed): %s",
				c,
				fileName,
			)
		}
	}

	if fullName[revisionLength] != '_' {
		return migration.Migration{}, fmt.Errorf(
			"migration file is missing an underscore after revision (%c given): %s",
			fullName[revisionLength],
			fileName,
		)
	}

	return migration.Migration{
		Revision: revision,
		Name:     fullName[revisionLength+1:],
	}, nil
}

func isLowerHex(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}

func (src *fileSource) ReadMigration(mig migration.Migration, direction migration.Direction) (op.Script, error) {
	suffix := upSuffix
	if direction == migration.Down {
		suffix = downSuffix
	}

	fileName := path.Join(src.migrationsDir, mig.Revision+"_"+mig.Name+suffix)

	content, err := fs.ReadFile(src.fsys, fileName)
	if errors.Is(err, fs.ErrNotExist) {
		if direction == migration.Down {
			return nil, fmt.Errorf("%w: %s", source.ErrIrreversible, mig)
		}
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownRevision, mig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}

	statement := string(content)

	return func(ctx context.Context, ops *op.Operations) error {
		return ops.Execute(ctx, statement)
	}, nil
}
