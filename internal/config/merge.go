package config

import (
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// Overlay reads filenames in order and lays each document over the ones
// before it. Mappings are combined key by key and scalars of a later file
// win. Sequences are joined with the later file's items first, so its
// credential rules are tried before those of the files it overrides.
func Overlay(filenames []string) ([]byte, error) {
	doc := map[string]any{}
	for _, name := range filenames {
		bs, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", name, err)
		}
		var layer map[string]any
		if err := yaml.Unmarshal(bs, &layer); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", name, err)
		}
		doc = overlay(doc, layer)
	}

	bs, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding merged config: %w", err)
	}
	return bs, nil
}

func overlay(under, over map[string]any) map[string]any {
	for key, top := range over {
		switch top := top.(type) {
		case map[string]any:
			if below, ok := under[key].(map[string]any); ok {
				under[key] = overlay(below, top)
				continue
			}
		case []any:
			if below, ok := under[key].([]any); ok {
				under[key] = slices.Concat(top, below)
				continue
			}
		}
		under[key] = top
	}
	return under
}
