package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/conductor/pkg/schema"
)

type swatch struct {
	fill, font string
	dashed     bool
}

var statusSwatches = map[schema.ItemStatus]swatch{
	schema.ItemStatusCompleted:  {fill: "#2d6a2d", font: "white"},
	schema.ItemStatusFailed:     {fill: "#8b1a1a", font: "white"},
	schema.ItemStatusDispatched: {fill: "#1a5276", font: "white"},
	schema.ItemStatusReady:      {fill: "#b7791a", font: "white"},
	schema.ItemStatusPending:    {fill: "#d3d3d3", font: "black"},
	schema.ItemStatusSuperseded: {fill: "#e8e8e8", font: "#888888", dashed: true},
}

// RenderSVG lays the agenda out top-down with graphviz dot. Each dependency
// level is drawn as its own cluster.
func RenderSVG(ctx context.Context, model *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: start graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	root, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer root.Close()
	root.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		root.SetLabel(model.Title)
	}

	placed := make(map[string]*cgraph.Node, len(model.Nodes))
	for depth, ids := range model.Levels {
		cluster, cErr := root.CreateSubGraphByName(fmt.Sprintf("cluster_level_%d", depth))
		if cErr != nil {
			return nil, fmt.Errorf("diagram: level %d: %w", depth, cErr)
		}
		cluster.SetLabel(fmt.Sprintf("level %d", depth))
		cluster.SetStyle(cgraph.DashedGraphStyle)
		for _, id := range ids {
			if n := model.node(id); n != nil {
				if placed[id], err = addItemNode(cluster, n); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, n := range model.Nodes {
		if placed[n.ID] == nil {
			if placed[n.ID], err = addItemNode(root, n); err != nil {
				return nil, err
			}
		}
	}

	for _, edge := range model.Edges {
		from, to := placed[edge.From], placed[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, eErr := root.CreateEdgeByName("", from, to)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		if edge.Kind == EdgeFollowup {
			e.SetStyle(cgraph.DashedEdgeStyle)
			e.SetLabel("followup")
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, root, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render svg: %w", err)
	}
	return buf.Bytes(), nil
}

func addItemNode(g *cgraph.Graph, n *Node) (*cgraph.Node, error) {
	gn, err := g.CreateNodeByName(n.ID)
	if err != nil {
		return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
	}
	label := fmt.Sprintf("%s\n%s: %s", n.ID, n.Capability, clip(n.Label, 40))
	if n.Attempts > 1 {
		label += fmt.Sprintf(" (x%d)", n.Attempts)
	}
	gn.SetLabel(label)
	gn.SetShape(cgraph.BoxShape)
	if n.Optional {
		gn.SetShape(cgraph.EllipseShape)
	}

	sw, ok := statusSwatches[n.Status]
	if !ok {
		return gn, nil
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	if sw.dashed {
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
	gn.SetFillColor(sw.fill)
	gn.SetFontColor(sw.font)
	return gn, nil
}
