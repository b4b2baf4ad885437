// Package reconcile brings the registry in line with the configured device
// list at startup.
package reconcile

import (
	"context"
	"log/slog"
	"strings"

	"mihome-go/internal/device"
)

// Registry is the part of device.Registry used during reconciliation.
type Registry interface {
	Lookup(name string) (device.Record, bool)
	Upsert(def device.Definition) device.Record
	Refresh(name string)
	List() []device.Record
	Remove(name string)
}

// Result lists what a reconciliation pass changed.
type Result struct {
	Added   []string
	Updated []string
	Removed []string
}

// Run upserts and refreshes every configured definition, then removes every
// record that is still unreachable. Adding before pruning means a name present
// in both the cache and the configuration is never unregistered.
func Run(ctx context.Context, reg Registry, configured []device.Definition, logger *slog.Logger) Result {
	logger = logger.With("component", "reconcile")
	var res Result

	for _, def := range configured {
		if ctx.Err() != nil {
			logger.Warn("reconciliation interrupted", "err", ctx.Err())
			return res
		}
		if strings.TrimSpace(def.Name) == "" {
			logger.Warn("skipping configured device without a name", "ip", def.IP)
			continue
		}
		if _, ok := reg.Lookup(def.Name); ok {
			res.Updated = append(res.Updated, def.Name)
		} else {
			res.Added = append(res.Added, def.Name)
		}
		reg.Upsert(def)
		reg.Refresh(def.Name)
	}

	for _, rec := range reg.List() {
		if rec.Reachable {
			continue
		}
		logger.Info("removing stale device", "name", rec.Name)
		reg.Remove(rec.Name)
		res.Removed = append(res.Removed, rec.Name)
	}

	logger.Info("reconciliation complete",
		"added", len(res.Added), "updated", len(res.Updated), "removed", len(res.Removed))
	return res
}
