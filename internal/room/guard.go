// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package room

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmcarlson/roomsync/internal/database"
	"github.com/jmcarlson/roomsync/internal/logging"
	"github.com/jmcarlson/roomsync/internal/metrics"
	"github.com/jmcarlson/roomsync/internal/models"
)

// blockedKeywords are statement forms a guarded query may never contain.
// Mutations go through the write buffer, never through raw SQL.
var blockedKeywords = []string{
	"insert", "update", "delete", "merge", "truncate",
	"create", "alter", "drop",
	"attach", "detach", "copy", "export", "import",
	"pragma", "set", "install", "load", "call",
	"begin", "commit", "rollback", "checkpoint",
	"grant", "revoke", "vacuum",
}

var (
	wordPattern   = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	tablePattern  = regexp.MustCompile(`(?i)\b(?:from|join)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	wherePattern  = regexp.MustCompile(`(?i)\bwhere\b`)
	selectPattern = regexp.MustCompile(`(?i)\bselect\b`)
	// tailPattern marks the first clause a scoping WHERE must precede.
	tailPattern = regexp.MustCompile(`(?i)\b(group\s+by|having|window|qualify|order\s+by|limit|offset)\b`)
)

// Guard executes arbitrary read statements safely: it blocks destructive
// keywords, rewrites reads so they only see the caller's room, binds all
// values as parameters, and enforces a hard timeout. Tables that carry a
// room_id column must be scoped successfully or the call fails closed; a
// rewrite is never best-effort for them.
type Guard struct {
	db      *database.DB
	timeout time.Duration
}

// NewGuard creates a guard over db with the given query budget.
func NewGuard(db *database.DB, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{db: db, timeout: timeout}
}

// Execute validates, scopes, and runs one read statement for a room.
func (g *Guard) Execute(ctx context.Context, roomID, stmt string, params []any) (*models.QueryResult, error) {
	start := time.Now()

	scopedStmt, args, err := g.Prepare(ctx, roomID, stmt, params)
	if err != nil {
		metrics.ObserveQuery(string(KindValidation), start)
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.db.QueryRows(queryCtx, scopedStmt, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			metrics.ObserveQuery(string(KindTimeout), start)
			return nil, WrapError(KindTimeout, err, "query exceeded %s budget", g.timeout)
		}
		metrics.ObserveQuery("error", start)
		return nil, WrapError(KindValidation, err, "query failed")
	}

	metrics.ObserveQuery("ok", start)
	logging.Debug().
		Str("room", roomID).
		Int("rows", len(result.Rows)).
		Dur("elapsed", time.Since(start)).
		Msg("guarded query executed")
	return result, nil
}

// Prepare validates a statement and returns the room-scoped SQL with its
// final parameter list, without executing it.
func (g *Guard) Prepare(ctx context.Context, roomID, stmt string, params []any) (string, []any, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
	if trimmed == "" {
		return "", nil, NewError(KindValidation, "empty statement")
	}
	if strings.Contains(trimmed, ";") {
		metrics.QueryRejections.WithLabelValues("multi_statement").Inc()
		return "", nil, NewError(KindValidation, "multi-statement queries are not allowed")
	}
	if kw := blockedKeyword(trimmed); kw != "" {
		metrics.QueryRejections.WithLabelValues("keyword").Inc()
		return "", nil, NewError(KindValidation, "statement contains disallowed keyword %q", kw)
	}

	lower := strings.ToLower(trimmed)
	isSelect := strings.HasPrefix(lower, "select")
	if !isSelect && !strings.HasPrefix(lower, "with") {
		metrics.QueryRejections.WithLabelValues("keyword").Inc()
		return "", nil, NewError(KindValidation, "only read statements are allowed")
	}

	scoped, err := g.db.ScopedTables(ctx)
	if err != nil {
		return "", nil, WrapError(KindValidation, err, "introspect scoped tables")
	}
	targets := scopedTargets(trimmed, scoped)
	if len(targets) == 0 {
		// Nothing room-scoped referenced; pass through untouched.
		return trimmed, params, nil
	}

	// Shapes the rewriter cannot place a predicate into safely fail closed
	// when scoped tables are involved.
	if !isSelect {
		metrics.QueryRejections.WithLabelValues("scope").Inc()
		return "", nil, NewError(KindValidation, "cannot scope CTE statement to room; rewrite it as a plain SELECT")
	}
	if len(wherePattern.FindAllStringIndex(trimmed, -1)) > 1 ||
		len(selectPattern.FindAllStringIndex(trimmed, -1)) > 1 {
		metrics.QueryRejections.WithLabelValues("scope").Inc()
		return "", nil, NewError(KindValidation, "statement shape too complex to scope to room")
	}

	return rewriteScoped(trimmed, roomID, targets, params)
}

// blockedKeyword returns the first disallowed keyword appearing as a whole
// word in stmt, or "".
func blockedKeyword(stmt string) string {
	blocked := make(map[string]bool, len(blockedKeywords))
	for _, kw := range blockedKeywords {
		blocked[kw] = true
	}
	for _, word := range wordPattern.FindAllString(strings.ToLower(stmt), -1) {
		if blocked[word] {
			return word
		}
	}
	return ""
}

// scopedTargets returns the scoped tables the statement references, sorted
// for deterministic predicate order.
func scopedTargets(stmt string, scoped map[string]bool) []string {
	seen := make(map[string]bool)
	for _, match := range tablePattern.FindAllStringSubmatch(stmt, -1) {
		name := strings.ToLower(match[1])
		if scoped[name] {
			seen[name] = true
		}
	}
	targets := make([]string, 0, len(seen))
	for name := range seen {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets
}

// rewriteScoped injects a room predicate: immediately after an existing
// WHERE, before the trailing clauses when there is no WHERE, or appended
// to a bare SELECT. The room value is a bound parameter spliced at the
// position matching its placeholder.
func rewriteScoped(stmt, roomID string, targets []string, params []any) (string, []any, error) {
	predicates := make([]string, len(targets))
	for i, table := range targets {
		if !database.ValidIdentifier(table) {
			return "", nil, NewError(KindValidation, "invalid table identifier %q", table)
		}
		predicates[i] = table + ".room_id = ?"
	}
	predicate := strings.Join(predicates, " AND ")

	var rewritten string
	var insertAt int
	if loc := wherePattern.FindStringIndex(stmt); loc != nil {
		insertAt = loc[1]
		// Parenthesize the existing condition so an OR cannot widen the
		// scope past the room predicate.
		condition := stmt[loc[1]:]
		tail := ""
		if tailLoc := tailPattern.FindStringIndex(condition); tailLoc != nil {
			tail = " " + condition[tailLoc[0]:]
			condition = condition[:tailLoc[0]]
		}
		rewritten = stmt[:loc[1]] + " " + predicate + " AND (" + strings.TrimSpace(condition) + ")" + tail
	} else if loc := tailPattern.FindStringIndex(stmt); loc != nil {
		insertAt = loc[0]
		rewritten = strings.TrimRight(stmt[:loc[0]], " ") + " WHERE " + predicate + " " + stmt[loc[0]:]
	} else {
		insertAt = len(stmt)
		rewritten = stmt + " WHERE " + predicate
	}

	// Room parameters go where their placeholders landed: after every
	// caller placeholder that precedes the insertion point.
	before := strings.Count(stmt[:insertAt], "?")
	if before > len(params) {
		return "", nil, NewError(KindValidation, "statement has more placeholders than parameters")
	}
	args := make([]any, 0, len(params)+len(targets))
	args = append(args, params[:before]...)
	for range targets {
		args = append(args, roomID)
	}
	args = append(args, params[before:]...)
	return rewritten, args, nil
}
