package netgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nereid-robotics/sysweave/plan"
)

// dump writes the working overlay as a Graphviz file for post-mortem
// inspection of a failed pass. Returns the path written.
func (e *Engine) dump(tx *plan.Transaction, passID string) (string, error) {
	dir := e.diagDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "sysweave-pass-"+passID+".dot")

	var b strings.Builder
	b.WriteString("digraph network {\n")
	b.WriteString("  rankdir=LR;\n  node [shape=box];\n")

	for _, t := range tx.Tasks(nil) {
		var attrs []string
		label := fmt.Sprintf("%d: %s", t.ID, t.Model.Name)
		if t.Deployed() {
			label += "\\n" + t.Agent
		}
		attrs = append(attrs, fmt.Sprintf("label=%q", label))
		if t.Abstract {
			attrs = append(attrs, "style=dashed")
		}
		if names, ok := e.roots[t.ID]; ok {
			attrs = append(attrs, fmt.Sprintf("xlabel=%q", strings.Join(names, ",")))
		}
		fmt.Fprintf(&b, "  t%d [%s];\n", t.ID, strings.Join(attrs, ", "))
	}

	for _, t := range tx.Tasks(nil) {
		for _, child := range tx.Children(t.ID) {
			roles := strings.Join(tx.Roles(t.ID, child), ",")
			fmt.Fprintf(&b, "  t%d -> t%d [label=%q, style=dotted];\n", t.ID, child, roles)
		}
	}

	for _, c := range tx.Connections() {
		label := c.SourcePort + " -> " + c.SinkPort
		if c.Policy != nil {
			switch c.Policy.Kind {
			case plan.PolicyBuffer:
				label += fmt.Sprintf(" [buffer %d]", c.Policy.Size)
			case plan.PolicyData:
				label += " [data]"
			}
		}
		attrs := fmt.Sprintf("label=%q", label)
		if c.Reliable {
			attrs += ", penwidth=2"
		}
		fmt.Fprintf(&b, "  t%d -> t%d [%s];\n", c.Source, c.Sink, attrs)
	}

	b.WriteString("}\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
