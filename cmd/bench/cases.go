// README: Bench cases; environment checks, the order lifecycle over HTTP, the accept race and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"courier/internal/infra"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// run keeps ids from one run apart from earlier runs against the same database.
	run     string
	orderID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   fmt.Sprintf("%x", time.Now().UnixNano()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

// actor returns a bearer header for a per-run user.
func (r *Runner) actor(name, role string) string {
	tok, err := infra.SignJWT(r.cfg.JWTSecret, name+"-"+r.run, role, time.Hour)
	if err != nil {
		return ""
	}
	return "Bearer " + tok
}

func (r *Runner) customer() string { return r.actor("bench-customer", "customer") }
func (r *Runner) business() string { return r.actor("bench-business", "business") }
func (r *Runner) courier(i int) string {
	return r.actor(fmt.Sprintf("bench-courier-%d", i), "delivery_person")
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "SKIP", Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "SKIP", Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", nil, "", nil, http.StatusOK)
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/orders", nil, "", nil, http.StatusUnauthorized)
		}},
		{Name: "Order: place with no items -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/orders", map[string]any{"business_id": "x"}, r.customer(), nil, http.StatusBadRequest)
		}},
		{Name: "Order: customer places order", Run: func(ctx context.Context, r *Runner) Result {
			id, res := r.placeOrder(ctx)
			r.orderID = id
			return res
		}},
		{Name: "Order: business prepares (confirmed, preparing, ready)", Run: func(ctx context.Context, r *Runner) Result {
			return r.prepare(ctx, r.orderID)
		}},
		{Name: "Order: stranger advancing -> 403", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPut, "/api/orders/"+r.orderID+"/status", map[string]any{"status": "cancelled"},
				r.actor("bench-stranger", "customer"), nil, http.StatusForbidden)
		}},
		{Name: "Courier: provision profile", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/couriers/profile", map[string]any{"vehicle_type": "bike"}, r.courier(0), nil, http.StatusOK)
		}},
		{Name: "Courier: accept", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/orders/"+r.orderID+"/accept", nil, r.courier(0), nil, http.StatusOK)
		}},
		{Name: "Courier: picked_up, on_the_way, delivered", Run: func(ctx context.Context, r *Runner) Result {
			for _, st := range []string{"picked_up", "on_the_way", "delivered"} {
				res := r.expect(ctx, http.MethodPut, "/api/orders/"+r.orderID+"/status", map[string]any{"status": st}, r.courier(0), nil, http.StatusOK)
				if res.Status != "PASS" {
					res.Note = st + ": " + res.Note
					return res
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Order: rate once", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/orders/"+r.orderID+"/rate", map[string]any{"food": 4, "delivery": 5}, r.customer(), nil, http.StatusOK)
		}},
		{Name: "Order: rate twice -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/orders/"+r.orderID+"/rate", map[string]any{"food": 1, "delivery": 1}, r.customer(), nil, http.StatusConflict)
		}},
		{Name: "Concurrency: many couriers accept one order", Run: concurrentAccept},
		{Name: "Perf: location update throughput", Run: perfLocation},
	}
}

func (r *Runner) do(ctx context.Context, method, path string, body any, auth string) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, time.Since(start), nil
}

func (r *Runner) expect(ctx context.Context, method, path string, body any, auth string, out any, want int) Result {
	if r.cfg.JWTSecret == "" && strings.HasPrefix(path, "/api") && want != http.StatusUnauthorized {
		return Result{Status: "SKIP", Note: "jwt secret not configured"}
	}
	code, raw, latency, err := r.do(ctx, method, path, body, auth)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if code != want {
		return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%s", code, want, truncate(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: "FAIL", Latency: latency, Note: err.Error()}
		}
	}
	return Result{Status: "PASS", Latency: latency}
}

func (r *Runner) placeOrder(ctx context.Context) (string, Result) {
	var created struct {
		ID string `json:"id"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/orders", map[string]any{
		"business_id":       "bench-business-" + r.run,
		"business_location": map[string]any{"lat": 25.033, "lng": 121.565},
		"items": []map[string]any{
			{"name": "bento", "quantity": 1, "price": map[string]any{"amount": 1200, "currency": "USD"}},
		},
		"delivery_address": map[string]any{
			"street":   "7 Xinyi Rd",
			"city":     "Taipei",
			"location": map[string]any{"lat": 25.0478, "lng": 121.5318},
		},
	}, r.customer(), &created, http.StatusCreated)
	return created.ID, res
}

func (r *Runner) prepare(ctx context.Context, id string) Result {
	if id == "" {
		return Result{Status: "SKIP", Note: "no order"}
	}
	for _, st := range []string{"confirmed", "preparing", "ready"} {
		res := r.expect(ctx, http.MethodPut, "/api/orders/"+id+"/status", map[string]any{"status": st}, r.business(), nil, http.StatusOK)
		if res.Status != "PASS" {
			res.Note = st + ": " + res.Note
			return res
		}
	}
	return Result{Status: "PASS"}
}

// concurrentAccept readies a fresh order and lets every courier race for it; exactly one may win.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: "jwt secret not configured"}
	}
	id, res := r.placeOrder(ctx)
	if res.Status != "PASS" {
		return res
	}
	if res := r.prepare(ctx, id); res.Status != "PASS" {
		return res
	}
	couriers := make([]string, r.cfg.Concurrency)
	for i := range couriers {
		couriers[i] = r.courier(i + 1)
		if res := r.expect(ctx, http.MethodPost, "/api/couriers/profile", nil, couriers[i], nil, http.StatusOK); res.Status != "PASS" {
			return res
		}
	}

	var wins, losses, other atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, auth := range couriers {
		wg.Add(1)
		go func(auth string) {
			defer wg.Done()
			<-start
			code, _, _, err := r.do(ctx, http.MethodPost, "/api/orders/"+id+"/accept", nil, auth)
			switch {
			case err != nil:
				other.Inc()
			case code == http.StatusOK:
				wins.Inc()
			case code == http.StatusConflict:
				losses.Inc()
			default:
				other.Inc()
			}
		}(auth)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("wins=%d conflicts=%d other=%d", wins.Load(), losses.Load(), other.Load())
	if wins.Load() != 1 || other.Load() != 0 {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

func perfLocation(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: "jwt secret not configured"}
	}
	auth := r.courier(0)
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				body := map[string]any{"lat": 25.033 + float64(i)*1e-4, "lng": 121.565}
				code, _, _, err := r.do(ctx, http.MethodPut, "/api/couriers/location", body, auth)
				if err != nil || code != http.StatusOK {
					errCount.Inc()
					continue
				}
				count.Inc()
			}
		}(i)
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("no requests completed, errors=%d", errCount.Load())}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: "SKIP", Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: "FAIL", Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
	}
	return Result{Status: "PASS"}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if !exists {
			return Result{Status: "FAIL", Note: "missing table: " + t}
		}
	}
	return Result{Status: "PASS"}
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
