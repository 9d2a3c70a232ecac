package database

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"server-dr/internal/execution"
)

const (
	fakeDumpTool    = "fake-dump"
	fakeRestoreTool = "fake-restore"
)

// FakeService is an in-memory DatabaseService for tests. Its dump format is one
// "TABLE <name> <rows>" line per table; Install wires matching dump and restore
// tools into a FakeRunner.
type FakeService struct {
	mu        sync.Mutex
	databases map[string]map[string]int64
	calls     []string

	// ListErr, when set, is returned by ListDatabases
	ListErr error
	// FailDump names databases whose dump tool exits non-zero
	FailDump map[string]bool
}

// NewFakeService creates an empty fake server
func NewFakeService() *FakeService {
	return &FakeService{
		databases: make(map[string]map[string]int64),
		FailDump:  make(map[string]bool),
	}
}

// AddTable creates db if needed and sets table to rows rows
func (f *FakeService) AddTable(db, table string, rows int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.databases[db] == nil {
		f.databases[db] = make(map[string]int64)
	}
	f.databases[db][table] = rows
}

// Has reports whether db exists
func (f *FakeService) Has(db string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.databases[db]
	return ok
}

// Calls returns the mutating operations performed, in order
func (f *FakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeService) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *FakeService) Engine() string { return "fake" }

func (f *FakeService) ListDatabases(ctx context.Context) ([]string, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeService) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return f.Has(name), nil
}

func (f *FakeService) CreateDatabase(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", name)
	if f.databases[name] == nil {
		f.databases[name] = make(map[string]int64)
	}
	return nil
}

func (f *FakeService) DropDatabase(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("drop %s", name)
	delete(f.databases, name)
	return nil
}

func (f *FakeService) Tables(ctx context.Context, database string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tables, ok := f.databases[database]
	if !ok {
		return nil, fmt.Errorf("unknown database %q", database)
	}
	var names []string
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeService) RowCounts(ctx context.Context, database string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tables, ok := f.databases[database]
	if !ok {
		return nil, fmt.Errorf("unknown database %q", database)
	}
	out := make(map[string]int64, len(tables))
	for t, n := range tables {
		out[t] = n
	}
	return out, nil
}

func (f *FakeService) Ping(ctx context.Context) error { return nil }

func (f *FakeService) DumpCommand(database string) execution.Command {
	return execution.Command{Name: fakeDumpTool, Args: []string{database}}
}

func (f *FakeService) RestoreCommand(database string) execution.Command {
	return execution.Command{Name: fakeRestoreTool, Args: []string{database}}
}

func (f *FakeService) Close() error { return nil }

// Install registers the fake dump and restore tools on runner
func (f *FakeService) Install(runner *execution.FakeRunner) {
	runner.Handle(fakeDumpTool, func(ctx context.Context, cmd execution.Command) (*execution.Result, error) {
		db := cmd.Args[0]
		if f.FailDump[db] {
			return &execution.Result{ExitCode: 2}, &execution.CommandError{Name: fakeDumpTool, ExitCode: 2, Stderr: "dump failed"}
		}
		return execution.WriteOutput(cmd, f.dump(db))
	})
	runner.Handle(fakeRestoreTool, func(ctx context.Context, cmd execution.Command) (*execution.Result, error) {
		data, err := execution.ReadInput(cmd)
		if err != nil {
			return &execution.Result{}, err
		}
		return &execution.Result{}, f.load(cmd.Args[0], data)
	})
}

func (f *FakeService) dump(db string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	var names []string
	for t := range f.databases[db] {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		fmt.Fprintf(&buf, "TABLE %s %d\n", t, f.databases[db][t])
	}
	return buf.Bytes()
}

// load replaces db's tables with the dump content, as a clean restore would
func (f *FakeService) load(db string, data []byte) error {
	tables := make(map[string]int64)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[0] != "TABLE" {
			continue
		}
		n, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad dump line %q", sc.Text())
		}
		tables[fields[1]] = n
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.databases[db]; !ok {
		return fmt.Errorf("database %q does not exist", db)
	}
	f.record("restore %s", db)
	f.databases[db] = tables
	return nil
}
