// Package routing maps canonical events to downstream target names.
package routing

import (
	"sort"
	"strings"

	"github.com/goliatone/go-relay/core"
)

// Table is a static object -> target lookup. Exact matches win over
// case-insensitive ones; everything else goes to the default target.
type Table struct {
	exact         map[string]string
	folded        map[string]string
	defaultTarget string
}

func NewTable(routes map[string]string, defaultTarget string) *Table {
	table := &Table{
		exact:         make(map[string]string, len(routes)),
		folded:        make(map[string]string, len(routes)),
		defaultTarget: strings.TrimSpace(defaultTarget),
	}
	objects := make([]string, 0, len(routes))
	for object := range routes {
		objects = append(objects, object)
	}
	// Sorted so the first spelling wins on case-folded collisions.
	sort.Strings(objects)
	for _, object := range objects {
		target := strings.TrimSpace(routes[object])
		object = strings.TrimSpace(object)
		if object == "" || target == "" {
			continue
		}
		table.exact[object] = target
		folded := strings.ToLower(object)
		if _, ok := table.folded[folded]; !ok {
			table.folded[folded] = target
		}
	}
	return table
}

func NewTableFromConfig(cfg core.RoutingConfig) *Table {
	return NewTable(cfg.Routes, cfg.DefaultTarget)
}

func (t *Table) Route(event core.Event) string {
	if t == nil {
		return ""
	}
	object := strings.TrimSpace(event.Object)
	if target, ok := t.exact[object]; ok {
		return target
	}
	if target, ok := t.folded[strings.ToLower(object)]; ok {
		return target
	}
	return t.defaultTarget
}

func (t *Table) DefaultTarget() string {
	if t == nil {
		return ""
	}
	return t.defaultTarget
}

var _ core.Router = (*Table)(nil)
