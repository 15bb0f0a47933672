// Package viz renders a snapshot of item ownership as a Graphviz SVG, used
// for the optional debug dump written on shutdown.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/schalter/pkg/store"
)

// RenderItemsToSvg draws one node per item and one per owner, with an edge
// from each owner to the items it holds. Expiring items carry their expiry
// time in the label.
func RenderItemsToSvg(items []store.Item, outputPath string) error {
	raw, err := RenderItems(items)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderItems(items []store.Item) ([]byte, error) {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	owners := make(map[string]*cgraph.Node)
	for i, item := range items {
		n, err := graph.CreateNode("item:" + item.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		label := item.Key
		if item.ExpiryAt > 0 {
			label += "\\nexpires " + time.UnixMilli(item.ExpiryAt).UTC().Format(time.RFC3339)
		}
		n.SetLabel(label)
		if item.Name == "" {
			continue
		}

		owner, ok := owners[item.Name]
		if !ok {
			if owner, err = graph.CreateNode("user:" + item.Name); err != nil {
				return nil, fmt.Errorf("failed to create node: %w", err)
			}
			owner.SetLabel(item.Name)
			owners[item.Name] = owner
		}
		if _, err := graph.CreateEdge(strconv.Itoa(i), owner, n); err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return buff.Bytes(), nil
}

func RenderToTemp(items []store.Item) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("schalter-%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderItemsToSvg(items, tf); err != nil {
		return "", err
	}
	return tf, nil
}
