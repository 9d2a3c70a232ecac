package components

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Component is one independently backed-up subsystem
type Component int

const (
	Database Component = iota
	Cache
	Application
	Configuration
	Certificates
	Monitoring
)

var componentNames = map[Component]string{
	Database:      "database",
	Cache:         "cache",
	Application:   "application",
	Configuration: "configuration",
	Certificates:  "certificates",
	Monitoring:    "monitoring",
}

func (c Component) String() string {
	if name, ok := componentNames[c]; ok {
		return name
	}
	return fmt.Sprintf("component(%d)", int(c))
}

// MarshalText renders the component by name in JSON and YAML output
func (c Component) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a component name
func (c *Component) UnmarshalText(text []byte) error {
	parsed, err := ParseComponent(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// AllComponents returns every component in canonical order
func AllComponents() []Component {
	return []Component{Database, Cache, Application, Configuration, Certificates, Monitoring}
}

// ParseComponent maps a name to its Component
func ParseComponent(s string) (Component, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "config":
		return Configuration, nil
	case "certs", "ssl":
		return Certificates, nil
	}
	for c, n := range componentNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown component: %q", s)
}

// ParseList parses names, accepting comma-separated entries, and returns them deduplicated in canonical order
func ParseList(names []string) ([]Component, error) {
	seen := make(map[Component]bool)
	for _, entry := range names {
		for _, part := range strings.Split(entry, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			c, err := ParseComponent(part)
			if err != nil {
				return nil, err
			}
			seen[c] = true
		}
	}
	var out []Component
	for _, c := range AllComponents() {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Names renders components as strings
func Names(cs []Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

// Backer populates stagingDir with the component's artifacts and returns their paths relative to stagingDir
type Backer interface {
	Backup(ctx context.Context, stagingDir string) ([]string, error)
}

// RestoreTarget says where and how restored state is installed
type RestoreTarget struct {
	// Root prefixes every restored file path; empty means the live filesystem
	Root string
	// DatabaseName maps an archived database name to the restore target; nil keeps the name
	DatabaseName func(string) string
	DryRun       bool
	// AsideSuffix is appended to live artifacts renamed out of the way
	AsideSuffix string
	// Owner is "user:group"; empty leaves ownership alone
	Owner      string
	DirMode    os.FileMode
	FileMode   os.FileMode
	SecretMode os.FileMode
}

// AsideSuffixAt returns the rename-aside suffix for a restore started at t
func AsideSuffixAt(t time.Time) string {
	return ".pre-restore-" + t.UTC().Format("20060102T150405Z")
}

func (t RestoreTarget) path(p string) string {
	if t.Root == "" {
		return p
	}
	return joinUnder(t.Root, p)
}

func (t RestoreTarget) database(name string) string {
	if t.DatabaseName == nil {
		return name
	}
	return t.DatabaseName(name)
}

// Action is one step a restore performed, or would perform on a dry run
type Action struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Detail string `json:"detail,omitempty"`
}

const (
	ActionRenameAside    = "rename_aside"
	ActionInstall        = "install"
	ActionCreateDatabase = "create_database"
	ActionReplayDump     = "replay_dump"
	ActionSymlink        = "symlink"
)

// RestoreResult records what a restore touched
type RestoreResult struct {
	Component Component `json:"component"`
	Actions   []Action  `json:"actions"`
	// Restored lists the installed databases or paths, as seen on the target
	Restored []string `json:"restored"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *RestoreResult) add(kind, target, detail string) {
	r.Actions = append(r.Actions, Action{Kind: kind, Target: target, Detail: detail})
}

// Restorer installs a component from its extracted subtree srcDir
type Restorer interface {
	Restore(ctx context.Context, srcDir string, target RestoreTarget) (*RestoreResult, error)
}

// Check is the outcome of one smoke or DR check
type Check struct {
	Component Component `json:"component"`
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message,omitempty"`
}

func passed(c Component, name, msg string) Check {
	return Check{Component: c, Name: name, Passed: true, Message: msg}
}

func failed(c Component, name, msg string) Check {
	return Check{Component: c, Name: name, Passed: false, Message: msg}
}

// Verifier checks a restored component
type Verifier interface {
	Verify(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check
}

// Registry maps each enabled component to its implementations
type Registry struct {
	backers   map[Component]Backer
	restorers map[Component]Restorer
	verifiers map[Component]Verifier
	closers   []func() error
}

// NewEmptyRegistry returns a registry with nothing registered
func NewEmptyRegistry() *Registry {
	return &Registry{
		backers:   make(map[Component]Backer),
		restorers: make(map[Component]Restorer),
		verifiers: make(map[Component]Verifier),
	}
}

// Register installs impl for c under every role it implements
func (r *Registry) Register(c Component, impl interface{}) {
	if b, ok := impl.(Backer); ok {
		r.backers[c] = b
	}
	if rs, ok := impl.(Restorer); ok {
		r.restorers[c] = rs
	}
	if v, ok := impl.(Verifier); ok {
		r.verifiers[c] = v
	}
}

// Unregister removes c entirely
func (r *Registry) Unregister(c Component) {
	delete(r.backers, c)
	delete(r.restorers, c)
	delete(r.verifiers, c)
}

func (r *Registry) Backer(c Component) (Backer, bool) {
	b, ok := r.backers[c]
	return b, ok
}

func (r *Registry) Restorer(c Component) (Restorer, bool) {
	rs, ok := r.restorers[c]
	return rs, ok
}

func (r *Registry) Verifier(c Component) (Verifier, bool) {
	v, ok := r.verifiers[c]
	return v, ok
}

// Close releases connections opened by NewRegistry
func (r *Registry) Close() error {
	var firstErr error
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

// Enabled returns the components with a backer, in canonical order
func (r *Registry) Enabled() []Component {
	var out []Component
	for _, c := range AllComponents() {
		if _, ok := r.backers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Select narrows requested to what is enabled; an empty request means all enabled
func (r *Registry) Select(requested []Component) ([]Component, error) {
	if len(requested) == 0 {
		return r.Enabled(), nil
	}
	var missing []string
	for _, c := range requested {
		if _, ok := r.backers[c]; !ok {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("components not enabled: %s", strings.Join(missing, ", "))
	}
	return requested, nil
}

// Preflighter checks that a component's tools and services are reachable
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// Preflighter returns the readiness check for c, if its backer has one
func (r *Registry) Preflighter(c Component) (Preflighter, bool) {
	p, ok := r.backers[c].(Preflighter)
	return p, ok
}

// Cleaner removes scratch state left behind by a restore, such as scratch databases
type Cleaner interface {
	Cleanup(ctx context.Context, restored *RestoreResult) error
}

// Cleaner returns the cleanup hook for c, if its restorer has one
func (r *Registry) Cleaner(c Component) (Cleaner, bool) {
	cl, ok := r.restorers[c].(Cleaner)
	return cl, ok
}
