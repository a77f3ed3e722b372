// Package viz draws the durable edit history of a room.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Revision is the room's code as of one change in its history.
type Revision struct {
	Hash         string
	Actor        string
	Seq          uint64
	Dependencies []string
	Code         string
}

func (r Revision) Label() string {
	return fmt.Sprintf("%s %s@%d %s", r.Hash[:8], r.Actor, r.Seq, strconv.Quote(preview(r.Code)))
}

// Timeline lists every change of the history document in causal order with
// the code checked out at that change.
func Timeline(raw []byte) ([]Revision, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}

	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		rev := Revision{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   uint64(change.ActorSeq()),
		}
		if value, err := docAt.Path("code").Get(); err == nil {
			if s, ok := value.Interface().(string); ok {
				rev.Code = s
			}
		}
		for _, hash := range change.Dependencies() {
			rev.Dependencies = append(rev.Dependencies, hash.String())
		}
		out = append(out, rev)
	}
	return out, nil
}

// RenderSVG draws the timeline as a graph, one node per revision with edges
// from each dependency.
func RenderSVG(revisions []Revision, w io.Writer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodes := make(map[string]*cgraph.Node, len(revisions))
	edges := 0
	for _, rev := range revisions {
		n, err := graph.CreateNode(rev.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(rev.Label())
		nodes[rev.Hash] = n

		for _, dep := range rev.Dependencies {
			from, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderToFile renders the history document to an SVG file at path.
func RenderToFile(raw []byte, path string) error {
	revisions, err := Timeline(raw)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := RenderSVG(revisions, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func preview(code string) string {
	const limit = 32
	r := []rune(code)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return code
}
