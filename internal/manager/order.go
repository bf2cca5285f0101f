package manager

import (
	"fmt"
	"strings"

	"github.com/loykin/procwatch/internal/process"
)

// resolveOrder returns ids ordered so that every registered dependency comes
// before its dependent. Among independent processes registration order is
// kept. Dependencies that are not registered are skipped here; startProcess
// rejects them later.
func resolveOrder(ids []string, configs map[string]process.Config) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}
		cfg, ok := configs[id]
		if !ok {
			return nil
		}
		mark[id] = visiting
		path = append(path, id)
		for _, dep := range cfg.Dependencies {
			if _, known := configs[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		mark[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
