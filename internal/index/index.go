/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package index holds the in-memory build index: a sqlite-backed,
// single-writer store that answers the multi-column ordered queries the
// reconcilers and lifecycle API need, and fans out synchronous events to
// registered listeners. The store is opened against ":memory:" and rebuilt
// from a full relist on every process start — it exists for query
// ergonomics, not durability.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/runboat-sh/runboat/internal/build"
	"github.com/runboat-sh/runboat/internal/index/migrations"
)

// Event is the kind of change a listener is notified of.
type Event string

const (
	EventAdded    Event = "added"
	EventModified Event = "modified"
	EventRemoved  Event = "removed"
)

// Listener receives synchronous notifications from Index.Add/Remove. It
// must not block or re-enter the index.
type Listener func(event Event, b build.Build)

// Index is the single-writer build index. All methods are safe to call
// concurrently; mutation is serialized behind mu, matching the
// single-logical-writer discipline described for the index.
type Index struct {
	db *sqlx.DB

	mu         sync.Mutex
	listeners  map[int]Listener
	listenerID int
}

// Open creates a fresh in-memory sqlite-backed index and applies the
// embedded schema.
func Open(ctx context.Context) (*Index, error) {
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("index: set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, fmt.Errorf("index: apply migrations: %w", err)
	}
	return &Index{db: db, listeners: map[int]Listener{}}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// RegisterListener adds a listener invoked synchronously from Add/Remove
// and returns an unregister handle. A listener that is never unregistered
// stays referenced for the index's lifetime, so short-lived consumers
// (an event-stream endpoint, a test) must call the handle when done.
func (x *Index) RegisterListener(l Listener) (unregister func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := x.listenerID
	x.listenerID++
	x.listeners[id] = l
	return func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		delete(x.listeners, id)
	}
}

func (x *Index) notify(event Event, b build.Build) {
	for _, l := range x.listeners {
		l(event, b)
	}
}

type row struct {
	Name           string `db:"name"`
	DeploymentName string `db:"deployment_name"`
	Repo           string `db:"repo"`
	TargetBranch   string `db:"target_branch"`
	PR             *int   `db:"pr"`
	GitCommit      string `db:"git_commit"`
	Status         string `db:"status"`
	InitStatus     string `db:"init_status"`
	DesiredReplica int32  `db:"desired_replica"`
	LastScaled     string `db:"last_scaled"`
	Created        string `db:"created"`
	Image          string `db:"image"`
}

// timeLayout is fixed-width so that lexicographic ordering of the TEXT
// columns matches chronological ordering (RFC3339Nano strips trailing
// zeros and would not).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func toRow(b build.Build) row {
	return row{
		Name:           b.Name,
		DeploymentName: b.DeploymentName,
		Repo:           b.Commit.NormalizedRepo(),
		TargetBranch:   b.Commit.TargetBranch,
		PR:             b.Commit.PR,
		GitCommit:      b.Commit.GitCommit,
		Status:         string(b.Status),
		InitStatus:     string(b.InitStatus),
		DesiredReplica: b.DesiredReplica,
		LastScaled:     b.LastScaled.UTC().Format(timeLayout),
		Created:        b.Created.UTC().Format(timeLayout),
		Image:          b.Image,
	}
}

func (r row) toBuild() build.Build {
	var pr *int
	if r.PR != nil {
		n := *r.PR
		pr = &n
	}
	lastScaled, _ := time.Parse(timeLayout, r.LastScaled)
	created, _ := time.Parse(timeLayout, r.Created)
	return build.Build{
		Name:           r.Name,
		DeploymentName: r.DeploymentName,
		Commit: build.CommitInfo{
			Repo:         r.Repo,
			TargetBranch: r.TargetBranch,
			PR:           pr,
			GitCommit:    r.GitCommit,
		},
		Status:         build.Status(r.Status),
		InitStatus:     build.InitStatus(r.InitStatus),
		DesiredReplica: r.DesiredReplica,
		LastScaled:     lastScaled,
		Created:        created,
		Image:          r.Image,
	}
}

// mutableEqual compares the fields that decide whether Add is a no-op.
func mutableEqual(a, b build.Build) bool {
	am, bm := a.Mutable(), b.Mutable()
	return am.Status == bm.Status &&
		am.InitStatus == bm.InitStatus &&
		am.DesiredReplica == bm.DesiredReplica &&
		am.LastScaled.Equal(bm.LastScaled)
}

// Add upserts b. If an entry already exists with identical mutable fields
// it is a no-op (no event fires); otherwise an added or modified event
// fires after the write.
func (x *Index) Add(ctx context.Context, b build.Build) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	existing, found, err := x.getLocked(ctx, b.Name)
	if err != nil {
		return err
	}
	if found && mutableEqual(existing, b) {
		return nil
	}

	r := toRow(b)
	_, err = x.db.NamedExecContext(ctx, `
		INSERT INTO builds (name, deployment_name, repo, target_branch, pr, git_commit, status, init_status, desired_replica, last_scaled, created, image)
		VALUES (:name, :deployment_name, :repo, :target_branch, :pr, :git_commit, :status, :init_status, :desired_replica, :last_scaled, :created, :image)
		ON CONFLICT(name) DO UPDATE SET
			deployment_name = excluded.deployment_name,
			repo = excluded.repo,
			target_branch = excluded.target_branch,
			pr = excluded.pr,
			git_commit = excluded.git_commit,
			status = excluded.status,
			init_status = excluded.init_status,
			desired_replica = excluded.desired_replica,
			last_scaled = excluded.last_scaled,
			created = excluded.created,
			image = excluded.image
	`, r)
	if err != nil {
		return fmt.Errorf("index: upsert build %s: %w", b.Name, err)
	}

	event := EventAdded
	if found {
		event = EventModified
	}
	x.notify(event, b)
	return nil
}

// Remove deletes name, firing a removed event iff it was present.
func (x *Index) Remove(ctx context.Context, name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	existing, found, err := x.getLocked(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM builds WHERE name = ?`, name); err != nil {
		return fmt.Errorf("index: delete build %s: %w", name, err)
	}
	x.notify(EventRemoved, existing)
	return nil
}

// Reset drops every entry without firing events, for deployment-watcher
// restart.
func (x *Index) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, err := x.db.ExecContext(ctx, `DELETE FROM builds`)
	return err
}

func (x *Index) Get(ctx context.Context, name string) (build.Build, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.getLocked(ctx, name)
}

func (x *Index) getLocked(ctx context.Context, name string) (build.Build, bool, error) {
	var r row
	err := x.db.GetContext(ctx, &r, `SELECT * FROM builds WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return build.Build{}, false, nil
	}
	if err != nil {
		return build.Build{}, false, fmt.Errorf("index: get build %s: %w", name, err)
	}
	return r.toBuild(), true, nil
}

// GetForCommit looks up a build by its exact commit coordinates, matching
// pr IS NULL explicitly when pr is absent.
func (x *Index) GetForCommit(ctx context.Context, c build.CommitInfo) (build.Build, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	query := `SELECT * FROM builds WHERE repo = ? AND target_branch = ? AND git_commit = ? AND pr `
	args := []interface{}{c.NormalizedRepo(), c.TargetBranch, c.GitCommit}
	if c.PR == nil {
		query += `IS NULL`
	} else {
		query += `= ?`
		args = append(args, *c.PR)
	}

	var r row
	err := x.db.GetContext(ctx, &r, query, args...)
	if err == sql.ErrNoRows {
		return build.Build{}, false, nil
	}
	if err != nil {
		return build.Build{}, false, fmt.Errorf("index: get build for commit: %w", err)
	}
	return r.toBuild(), true, nil
}

func (x *Index) CountByStatus(ctx context.Context, status build.Status) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM builds WHERE status = ?`, string(status))
	return n, err
}

func (x *Index) CountByInitStatus(ctx context.Context, initStatus build.InitStatus) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM builds WHERE init_status = ?`, string(initStatus))
	return n, err
}

func (x *Index) CountAll(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM builds`)
	return n, err
}

// CountDeployed counts builds whose status is not undeploying.
func (x *Index) CountDeployed(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM builds WHERE status != ?`, string(build.StatusUndeploying))
	return n, err
}

// ToInitialize returns the oldest init_status=todo builds by created ascending.
func (x *Index) ToInitialize(ctx context.Context, limit int) ([]build.Build, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var rs []row
	err := x.db.SelectContext(ctx, &rs, `
		SELECT * FROM builds WHERE init_status = ? ORDER BY created ASC LIMIT ?`,
		string(build.InitStatusTodo), limit)
	return rowsToBuilds(rs), err
}

// OldestStarted returns the oldest status=started builds by last_scaled ascending.
func (x *Index) OldestStarted(ctx context.Context, limit int) ([]build.Build, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var rs []row
	err := x.db.SelectContext(ctx, &rs, `
		SELECT * FROM builds WHERE status = ? ORDER BY last_scaled ASC LIMIT ?`,
		string(build.StatusStarted), limit)
	return rowsToBuilds(rs), err
}

// OldestStopped returns the oldest evictable stopped builds by last_scaled
// ascending: status in {stopping, stopped, failed}, excluding the single
// most-recently-created build per (repo, target_branch, pr IS NULL) group.
// PR builds are always evictable.
func (x *Index) OldestStopped(ctx context.Context, limit int) ([]build.Build, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var rs []row
	err := x.db.SelectContext(ctx, &rs, `
		SELECT * FROM builds
		WHERE status IN (?, ?, ?)
		ORDER BY last_scaled ASC`,
		string(build.StatusStopping), string(build.StatusStopped), string(build.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("index: oldest stopped: %w", err)
	}

	newestPerGroup := map[string]string{} // group key -> name of newest-created build
	newestCreated := map[string]string{}  // group key -> created timestamp of that build
	for _, r := range rs {
		if r.PR != nil {
			continue
		}
		key := r.Repo + "\x00" + r.TargetBranch
		if prev, ok := newestCreated[key]; !ok || r.Created > prev {
			newestCreated[key] = r.Created
			newestPerGroup[key] = r.Name
		}
	}

	var out []build.Build
	for _, r := range rs {
		if r.PR == nil {
			key := r.Repo + "\x00" + r.TargetBranch
			if newestPerGroup[key] == r.Name {
				continue
			}
		}
		out = append(out, r.toBuild())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ToCleanup returns every undeploying build, created ascending.
func (x *Index) ToCleanup(ctx context.Context) ([]build.Build, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var rs []row
	err := x.db.SelectContext(ctx, &rs, `
		SELECT * FROM builds WHERE status = ? ORDER BY created ASC`,
		string(build.StatusUndeploying))
	return rowsToBuilds(rs), err
}

// SearchFilter is the set of optional predicates Search accepts.
type SearchFilter struct {
	Repo         string
	TargetBranch string
	Branch       string
	PR           *int
	Name         string
	Status       build.Status
	Ascending    bool
}

// Search returns builds matching filter, ordered by
// (repo, COALESCE(pr, infinity), target_branch, created), descending by
// default. target_branch matches PRs into that branch too; branch matches
// only pr-less builds targeting that branch.
func (x *Index) Search(ctx context.Context, f SearchFilter) ([]build.Build, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var clauses []string
	var args []interface{}
	if f.Repo != "" {
		clauses = append(clauses, "repo = ?")
		args = append(args, strings.ToLower(f.Repo))
	}
	if f.TargetBranch != "" {
		clauses = append(clauses, "target_branch = ?")
		args = append(args, f.TargetBranch)
	}
	if f.Branch != "" {
		clauses = append(clauses, "target_branch = ? AND pr IS NULL")
		args = append(args, f.Branch)
	}
	if f.PR != nil {
		clauses = append(clauses, "pr = ?")
		args = append(args, *f.PR)
	}
	if f.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT * FROM builds"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var rs []row
	if err := x.db.SelectContext(ctx, &rs, query, args...); err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	sort.Slice(rs, func(i, j int) bool {
		if f.Ascending {
			return searchBefore(rs[j], rs[i])
		}
		return searchBefore(rs[i], rs[j])
	})
	return rowsToBuilds(rs), nil
}

// searchBefore orders by (repo, COALESCE(pr, infinity), target_branch,
// created) descending, i.e. reports whether a sorts before b in that
// descending order.
func searchBefore(a, b row) bool {
	if a.Repo != b.Repo {
		return a.Repo > b.Repo
	}
	aPR, bPR := prOrInfinity(a.PR), prOrInfinity(b.PR)
	if aPR != bPR {
		return aPR > bPR
	}
	if a.TargetBranch != b.TargetBranch {
		return a.TargetBranch > b.TargetBranch
	}
	return a.Created > b.Created
}

func prOrInfinity(pr *int) int {
	if pr == nil {
		return int(^uint(0) >> 1)
	}
	return *pr
}

// Repos returns the distinct repo values present in the index, ascending.
func (x *Index) Repos(ctx context.Context) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var repos []string
	err := x.db.SelectContext(ctx, &repos, `SELECT DISTINCT repo FROM builds ORDER BY repo ASC`)
	return repos, err
}

func rowsToBuilds(rs []row) []build.Build {
	out := make([]build.Build, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.toBuild())
	}
	return out
}
