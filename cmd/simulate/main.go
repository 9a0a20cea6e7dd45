package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/campuswell/counseling-scheduling/internal/auth"
	"github.com/campuswell/counseling-scheduling/internal/config"
	"github.com/campuswell/counseling-scheduling/internal/db"
)

// The simulator hammers a running api-server with the two races the design
// must win: many students booking the same open slots, and many
// psychologists claiming the same requests. Success, conflict and error
// counts are reported separately; conflicts are expected, errors are not.

type SimConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	ClaimRatio float64
	BookRatio  float64
}

type DataPool struct {
	InstitutionID uuid.UUID
	Students      []uuid.UUID
	Psychologists []uuid.UUID
	Slots         []uuid.UUID

	mu       sync.RWMutex
	requests []uuid.UUID
}

func (dp *DataPool) AddRequest(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.requests = append(dp.requests, id)
}

func (dp *DataPool) RandomRequest() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.requests) == 0 {
		return uuid.Nil, false
	}
	return dp.requests[rand.Intn(len(dp.requests))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	ls := make([]time.Duration, len(om.latencies))
	copy(ls, om.latencies)
	sort.Slice(ls, func(i, j int) bool { return ls[i] < ls[j] })

	var sum time.Duration
	for _, l := range ls {
		sum += l
	}

	avg = sum / time.Duration(len(ls))
	p50 = ls[len(ls)*50/100]
	p95idx := len(ls) * 95 / 100
	if p95idx >= len(ls) {
		p95idx = len(ls) - 1
	}
	p95 = ls[p95idx]
	return avg, p50, p95
}

type Metrics struct {
	CreateRequest OperationMetrics
	Claim         OperationMetrics
	BookSlot      OperationMetrics
}

type Simulator struct {
	cfg     SimConfig
	secret  string
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	appCfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	simCfg := SimConfig{
		APIBaseURL: getEnv("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:   getDurationEnv("SIM_DURATION", time.Minute),
		Workers:    getIntEnv("SIM_WORKERS", 16),
		ClaimRatio: 0.4,
		BookRatio:  0.4,
	}

	log.Printf("config: url=%s duration=%s workers=%d", simCfg.APIBaseURL, simCfg.Duration, simCfg.Workers)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, appCfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: institution=%s students=%d psychologists=%d open_slots=%d",
		dataPool.InstitutionID, len(dataPool.Students), len(dataPool.Psychologists), len(dataPool.Slots))

	sim := &Simulator{
		cfg:    simCfg,
		secret: appCfg.JWTSecret,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.Report()
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{}

	err := pool.QueryRow(ctx, `SELECT id FROM institutions ORDER BY created_at LIMIT 1`).Scan(&dp.InstitutionID)
	if err != nil {
		return nil, fmt.Errorf("pick institution (run cmd/seed first): %w", err)
	}

	if dp.Students, err = loadIDs(ctx, pool,
		`SELECT id FROM students WHERE institution_id = $1 LIMIT 500`, dp.InstitutionID); err != nil {
		return nil, err
	}
	if dp.Psychologists, err = loadIDs(ctx, pool,
		`SELECT id FROM psychologists WHERE institution_id = $1 AND active LIMIT 100`, dp.InstitutionID); err != nil {
		return nil, err
	}
	if dp.Slots, err = loadIDs(ctx, pool,
		`SELECT id FROM appointments WHERE institution_id = $1 AND status = 'open' LIMIT 500`, dp.InstitutionID); err != nil {
		return nil, err
	}

	if len(dp.Students) == 0 || len(dp.Psychologists) == 0 {
		return nil, fmt.Errorf("institution %s has no seeded students or psychologists", dp.InstitutionID)
	}
	return dp, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Simulator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rand.Float64()
		switch {
		case r < s.cfg.ClaimRatio:
			s.doClaim(ctx)
		case r < s.cfg.ClaimRatio+s.cfg.BookRatio:
			s.doBookSlot(ctx)
		default:
			s.doCreateRequest(ctx)
		}
	}
}

func (s *Simulator) doCreateRequest(ctx context.Context) {
	studentID := s.pool.Students[rand.Intn(len(s.pool.Students))]
	body := map[string]any{"modality": "virtual", "reason": "simulated load"}

	status, resp, latency := s.post(ctx, studentID, "student", "/requests", body)
	s.metrics.CreateRequest.Record(latency, status)

	if status == http.StatusCreated {
		var out struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(resp, &out) == nil {
			s.pool.AddRequest(out.ID)
		}
	}
}

func (s *Simulator) doClaim(ctx context.Context) {
	reqID, ok := s.pool.RandomRequest()
	if !ok {
		s.doCreateRequest(ctx)
		return
	}
	psyID := s.pool.Psychologists[rand.Intn(len(s.pool.Psychologists))]

	status, _, latency := s.post(ctx, psyID, "psychologist", fmt.Sprintf("/requests/%s/claim", reqID), nil)
	s.metrics.Claim.Record(latency, status)
}

func (s *Simulator) doBookSlot(ctx context.Context) {
	if len(s.pool.Slots) == 0 {
		s.doCreateRequest(ctx)
		return
	}
	slotID := s.pool.Slots[rand.Intn(len(s.pool.Slots))]
	studentID := s.pool.Students[rand.Intn(len(s.pool.Students))]

	status, _, latency := s.post(ctx, studentID, "student", fmt.Sprintf("/slots/%s/book", slotID), nil)
	s.metrics.BookSlot.Record(latency, status)
}

func (s *Simulator) post(ctx context.Context, userID uuid.UUID, role, path string, body any) (int, []byte, time.Duration) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, 0
		}
	} else {
		buf.WriteString("{}")
	}

	token, err := auth.MakeToken(userID, s.pool.InstitutionID, role, s.secret)
	if err != nil {
		return 0, nil, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+path, &buf)
	if err != nil {
		return 0, nil, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, data, latency
}

func (s *Simulator) Report() {
	report := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Printf("%-15s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
			name, om.Total, om.Success, om.Conflict, om.Error, avg, p50, p95)
	}
	report("create_request", &s.metrics.CreateRequest)
	report("claim", &s.metrics.Claim)
	report("book_slot", &s.metrics.BookSlot)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
