package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// contentHash computes a stable hash of the graph shape: the sorted node
// list with each node's type, gate spec, and mutation target. Executions
// record the hash at creation so drift from the registered graph can be
// detected later.
func contentHash(g *Graph) string {
	specs := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		specs = append(specs, fmt.Sprintf("%s|%s|%s|%s|%t",
			n.Name, n.Type, gateSpec(n.GatedBy), n.Mutates, n.UpdateRevisionOnChange))
	}
	sort.Strings(specs)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s\n", g.Name, g.Version)
	h.Write([]byte(strings.Join(specs, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
