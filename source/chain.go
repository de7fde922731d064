package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/root-talis/revise/migration"
)

// Resolve orders revisions along their DownRevision pointers.
//
// The root is the one revision whose predecessor is empty or unknown to the
// given set; an unknown predecessor is a base managed outside of this set.
// Every revision must be reachable from the root without branching.
func Resolve(descriptions []migration.Description) ([]migration.Description, error) {
	if len(descriptions) == 0 {
		return []migration.Description{}, nil
	}

	byRevision := make(map[string]migration.Description, len(descriptions))
	for _, descr := range descriptions {
		if _, exists := byRevision[descr.Revision]; exists {
			return nil, fmt.Errorf("%w: %s", ErrMigrationDuplicated, descr.Revision)
		}
		byRevision[descr.Revision] = descr
	}

	var result *multierror.Error

	var roots []string
	children := make(map[string][]string, len(descriptions))
	for _, descr := range descriptions {
		if _, known := byRevision[descr.DownRevision]; descr.DownRevision == "" || !known {
			roots = append(roots, descr.Revision)
			continue
		}
		children[descr.DownRevision] = append(children[descr.DownRevision], descr.Revision)
	}

	for parent, revs := range children {
		if len(revs) > 1 {
			sort.Strings(revs)
			result = multierror.Append(result, fmt.Errorf(
				"%w: %s is revised by %s", ErrMultipleHeads, parent, strings.Join(revs, ", "),
			))
		}
	}

	if len(roots) != 1 {
		sort.Strings(roots)
		result = multierror.Append(result, fmt.Errorf(
			"%w: %s", ErrMultipleRoots, strings.Join(roots, ", "),
		))
	}

	if result != nil {
		return nil, result.ErrorOrNil()
	}

	chain := make([]migration.Description, 0, len(descriptions))
	position := make(map[string]int, len(descriptions))
	for rev := roots[0]; ; {
		descr := byRevision[rev]
		position[rev] = len(chain)
		chain = append(chain, descr)

		next := children[rev]
		if len(next) == 0 {
			break
		}
		rev = next[0]
	}

	if len(chain) != len(descriptions) {
		var unreachable []string
		for rev := range byRevision {
			if _, ok := position[rev]; !ok {
				unreachable = append(unreachable, rev)
			}
		}
		sort.Strings(unreachable)
		return nil, fmt.Errorf("%w: %s", ErrBrokenChain, strings.Join(unreachable, ", "))
	}

	for i, descr := range chain {
		for _, dep := range descr.DependsOn {
			if dep != "" && dep == chain[0].DownRevision {
				continue
			}
			if pos, ok := position[dep]; !ok || pos >= i {
				result = multierror.Append(result, fmt.Errorf(
					"%w: %s depends on %s", ErrUnknownDependency, descr.Revision, dep,
				))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return chain, nil
}
