package extract

import (
	"sort"
	"strings"

	"github.com/yourorg/taxsync/pkg/types"
)

func sortErrors(errs []*types.ExtractionError) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].TypeCode < errs[j].TypeCode })
}

func traceString(trace []IDState) string {
	parts := make([]string, len(trace))
	for i, s := range trace {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}
