// Package retention decides which archives have outlived their policy and
// removes them from the local backup directory and the remote destination.
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"server-dr/internal/archive"
	"server-dr/internal/config"
	"server-dr/internal/logging"
	"server-dr/internal/storage"
)

// Policy is a global lifetime plus per-class lifetimes keyed by path prefix
type Policy struct {
	DefaultDays int
	Classes     map[string]int
}

// PolicyFromConfig copies the configured retention
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	classes := make(map[string]int, len(cfg.Classes))
	for prefix, days := range cfg.Classes {
		classes[strings.Trim(prefix, "/")] = days
	}
	return Policy{DefaultDays: cfg.Days, Classes: classes}
}

// Lifetime returns the lifetime for key. The longest matching class prefix
// wins; keys outside every class use the global lifetime.
func (p Policy) Lifetime(key string) (time.Duration, string) {
	best, class := -1, ""
	for prefix, days := range p.Classes {
		if prefix == "" {
			continue
		}
		if (key == prefix || strings.HasPrefix(key, prefix+"/")) && len(prefix) > len(class) {
			best, class = days, prefix
		}
	}
	if best < 0 {
		best = p.DefaultDays
	}
	return time.Duration(best) * 24 * time.Hour, class
}

// Decision records why one archive was kept or removed
type Decision struct {
	Location string        `json:"location"`
	Key      string        `json:"key"`
	Class    string        `json:"class,omitempty"`
	Age      time.Duration `json:"age"`
	Lifetime time.Duration `json:"lifetime"`
	Size     int64         `json:"size"`
	Expired  bool          `json:"expired"`
}

// Result summarises one pruning pass
type Result struct {
	Deleted    []Decision `json:"deleted"`
	Kept       int        `json:"kept"`
	FreedBytes int64      `json:"freed_bytes"`
	Errors     []string   `json:"errors,omitempty"`
	DryRun     bool       `json:"dry_run"`
}

// Target names used by NewPruner
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// Target is one place archives are kept
type Target struct {
	Name        string
	Destination storage.Destination
}

// Pruner applies a Policy to a set of targets
type Pruner struct {
	policy  Policy
	targets []Target
	logger  *logging.Logger
	now     func() time.Time
}

// NewPruner creates a pruner over local and, when set, remote storage.
// A nil remote destination is skipped.
func NewPruner(policy Policy, local, remote storage.Destination, logger *logging.Logger) *Pruner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	p := &Pruner{policy: policy, logger: logger, now: time.Now}
	if local != nil {
		p.targets = append(p.targets, Target{Name: LocationLocal, Destination: local})
	}
	if remote != nil {
		p.targets = append(p.targets, Target{Name: LocationRemote, Destination: remote})
	}
	return p
}

// Evaluate lists every archive on every target and decides its fate
func (p *Pruner) Evaluate(ctx context.Context) ([]Decision, []string) {
	var decisions []Decision
	var errs []string
	now := p.now()

	for _, target := range p.targets {
		objects, err := target.Destination.List(ctx, "")
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", target.Name, err))
			continue
		}
		for _, obj := range objects {
			if !archive.IsArchiveName(obj.Key) {
				continue
			}
			created := obj.ModTime
			if info, ok := archive.ParseName(obj.Key); ok {
				created = info.Timestamp
			}
			lifetime, class := p.policy.Lifetime(obj.Key)
			age := now.Sub(created)
			decisions = append(decisions, Decision{
				Location: target.Name,
				Key:      obj.Key,
				Class:    class,
				Age:      age,
				Lifetime: lifetime,
				Size:     obj.Size,
				Expired:  lifetime > 0 && age > lifetime,
			})
		}
	}

	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].Location != decisions[j].Location {
			return decisions[i].Location < decisions[j].Location
		}
		return decisions[i].Key < decisions[j].Key
	})
	return decisions, errs
}

// Prune deletes expired archives. Deletion failures are collected, not fatal.
func (p *Pruner) Prune(ctx context.Context, dryRun bool) *Result {
	done := p.logger.LogOperationStart("retention_prune", map[string]interface{}{"dry_run": dryRun})

	decisions, errs := p.Evaluate(ctx)
	result := &Result{DryRun: dryRun, Errors: errs}

	dests := make(map[string]storage.Destination, len(p.targets))
	for _, t := range p.targets {
		dests[t.Name] = t.Destination
	}

	for _, d := range decisions {
		if !d.Expired {
			result.Kept++
			continue
		}
		if !dryRun {
			if err := dests[d.Location].Delete(ctx, d.Key); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", d.Location, d.Key, err))
				continue
			}
		}
		p.logger.WithFields(map[string]interface{}{
			"location": d.Location,
			"key":      d.Key,
			"class":    d.Class,
			"age":      d.Age.Round(time.Hour).String(),
			"dry_run":  dryRun,
		}).Info("Pruned expired archive")
		result.Deleted = append(result.Deleted, d)
		result.FreedBytes += d.Size
	}

	if len(result.Errors) > 0 {
		done(fmt.Errorf("%d retention errors", len(result.Errors)))
	} else {
		done(nil)
	}
	return result
}
