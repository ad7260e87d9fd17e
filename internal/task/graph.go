package task

import (
	"fmt"
	"sort"
	"strings"
)

// FormatDependencyGraph renders the registry as a tree, one root line per
// task that has no dependencies of its own (or, if every task has at least
// one dependency — e.g. the graph is a single cycle — one line per task in
// name order), with its dependents nested beneath it using the familiar
// `├─`/`└─` connectors. A task that would recurse into one of its own
// ancestors (a cycle) is marked `↻ cycle` there rather than expanded again;
// a task reachable along several paths is printed in full under each.
func FormatDependencyGraph(reg *Registry) string {
	dependents := make(map[string][]string) // name -> names that depend on it
	hasDependency := make(map[string]bool)
	names := reg.Names()

	for _, name := range names {
		t, _ := reg.Get(name)
		if len(t.Deps) > 0 {
			hasDependency[name] = true
		}
		for _, d := range t.Deps {
			dependents[d] = append(dependents[d], name)
		}
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	// Roots are tasks with no dependencies of their own (entry points).
	var roots []string
	for _, name := range names {
		if !hasDependency[name] {
			roots = append(roots, name)
		}
	}
	if len(roots) == 0 {
		// Every task depends on something: either a cycle covers everything,
		// or the registry is empty. Fall back to listing all names so the
		// cycle is still visible to the caller.
		roots = append([]string(nil), names...)
	}
	sort.Strings(roots)

	var b strings.Builder
	visiting := make(map[string]bool)
	for i, root := range roots {
		b.WriteString(root)
		b.WriteString("\n")
		renderChildren(&b, root, dependents, visiting, "")
		if i < len(roots)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderChildren(b *strings.Builder, name string, dependents map[string][]string, visiting map[string]bool, prefix string) {
	children := dependents[name]
	if len(children) == 0 {
		return
	}

	visiting[name] = true
	defer delete(visiting, name)

	for i, child := range children {
		last := i == len(children)-1
		connector := "├─"
		nextPrefix := prefix + "│  "
		if last {
			connector = "└─"
			nextPrefix = prefix + "   "
		}

		if visiting[child] {
			b.WriteString(fmt.Sprintf("%s%s %s ↻ cycle\n", prefix, connector, child))
			continue
		}

		b.WriteString(fmt.Sprintf("%s%s %s\n", prefix, connector, child))
		renderChildren(b, child, dependents, visiting, nextPrefix)
	}
}
