package rules

import (
	"fmt"
	"strings"

	"github.com/emirpasic/gods/sets/linkedhashset"
)

const (
	NodeRule      = "rule"
	NodeCondition = "condition"
)

type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph links every rule to the conditions it depends on. Conditions shared by several
// rules appear once.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// BuildGraph derives the rule to condition graph of rules. Nodes and edges keep the order in
// which they are first seen.
func BuildGraph(rules []Rule) Graph {
	nodeIDs := linkedhashset.New()
	nodes := map[string]Node{}
	edgeKeys := linkedhashset.New()
	edges := map[string]Edge{}

	addNode := func(n Node) {
		if nodeIDs.Contains(n.ID) {
			return
		}
		nodeIDs.Add(n.ID)
		nodes[n.ID] = n
	}

	for i, r := range rules {
		ruleID := r.ID
		if ruleID == "" {
			ruleID = fmt.Sprintf("%d", i+1)
		}
		ruleNode := Node{ID: "rule:" + ruleID, Label: r.Description, Kind: NodeRule}
		if ruleNode.Label == "" {
			ruleNode.Label = ruleID
		}
		addNode(ruleNode)

		for _, c := range r.Conditions {
			label := conditionLabel(c)
			condNode := Node{ID: "condition:" + strings.ToLower(label), Label: label, Kind: NodeCondition}
			addNode(condNode)

			key := ruleNode.ID + "->" + condNode.ID
			if !edgeKeys.Contains(key) {
				edgeKeys.Add(key)
				edges[key] = Edge{From: ruleNode.ID, To: condNode.ID}
			}
		}
	}

	g := Graph{
		Nodes: make([]Node, 0, nodeIDs.Size()),
		Edges: make([]Edge, 0, edgeKeys.Size()),
	}
	for _, id := range nodeIDs.Values() {
		g.Nodes = append(g.Nodes, nodes[id.(string)])
	}
	for _, key := range edgeKeys.Values() {
		g.Edges = append(g.Edges, edges[key.(string)])
	}
	return g
}

func conditionLabel(c Condition) string {
	if c.Description != "" && c.Field == "" {
		return c.Description
	}
	parts := []string{c.Field}
	if c.Operator != "" {
		parts = append(parts, c.Operator)
	}
	if c.Value != nil {
		parts = append(parts, fmt.Sprint(c.Value))
	}
	return strings.Join(parts, " ")
}
