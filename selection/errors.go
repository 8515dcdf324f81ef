package selection

import (
	"fmt"
	"sort"
	"strings"
)

// AmbiguityError is raised when two or more equally valid resolutions
// exist for a key and no tie-break applies. It is always surfaced to the
// caller: the engine never silently guesses between candidates.
type AmbiguityError struct {
	Key        string
	Candidates []string
}

func Ambiguous(key string, candidates ...string) *AmbiguityError {
	return &AmbiguityError{Key: key, Candidates: candidates}
}

func (e *AmbiguityError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("ambiguous selection for %q", e.Key)
	}
	return fmt.Sprintf("ambiguous selection for %q: candidates %s",
		e.Key, strings.Join(e.Candidates, ", "))
}

// NameResolutionError carries the set of string references that could not
// be resolved to a registered model or task.
type NameResolutionError struct {
	Names []string
}

func (e *NameResolutionError) Error() string {
	names := append([]string(nil), e.Names...)
	sort.Strings(names)
	return fmt.Sprintf("cannot resolve names: %s", strings.Join(names, ", "))
}
