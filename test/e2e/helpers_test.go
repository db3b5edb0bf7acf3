package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/admin"
	"github.com/alexjbarnes/draw-sync/internal/cache"
	"github.com/alexjbarnes/draw-sync/internal/catalog"
	"github.com/alexjbarnes/draw-sync/internal/gateway"
	"github.com/alexjbarnes/draw-sync/internal/mcpserver"
	"github.com/alexjbarnes/draw-sync/internal/orchestrator"
	"github.com/alexjbarnes/draw-sync/internal/scheduler"
	"github.com/alexjbarnes/draw-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testWait    = 5 * time.Second
	testPoll    = 10 * time.Millisecond
	testToken   = "e2e-token"
	catalogYAML = `
collections:
  - name: National
    primary: 6
    secondary: 1
    max: 59
    secondary_max: 59
  - name: EuroMillions
    primary: 5
    secondary: 2
    max: 50
    secondary_max: 12
`
)

// drawRow is one record as the fake draw service stores it.
type drawRow struct {
	Date      string    `json:"date"`
	Primary   []int     `json:"primary"`
	Secondary []int     `json:"secondary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// pushed is a manual change received by the fake service.
type pushed struct {
	Collection     string
	IdempotencyKey string
	Kind           string
	Date           string
}

// drawService is an in-memory draw service speaking the gateway's wire
// format. Every write is stamped from a clock that advances one second
// per write, so updated_at values are distinct and ordered.
type drawService struct {
	mu      sync.Mutex
	rows    map[string]map[string]drawRow
	pushes  []pushed
	clock   time.Time
	failing bool
	fetches int
}

func newDrawService() *drawService {
	return &drawService{
		rows:  make(map[string]map[string]drawRow),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// add stores a draw and returns its updated_at stamp.
func (s *drawService) add(collection, date string, primary, secondary []int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addLocked(collection, date, primary, secondary)
}

func (s *drawService) addLocked(collection, date string, primary, secondary []int) time.Time {
	s.clock = s.clock.Add(time.Second)

	if s.rows[collection] == nil {
		s.rows[collection] = make(map[string]drawRow)
	}

	s.rows[collection][date] = drawRow{Date: date, Primary: primary, Secondary: secondary, UpdatedAt: s.clock}

	return s.clock
}

func (s *drawService) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *drawService) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *drawService) received() []pushed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushed(nil), s.pushes...)
}

func (s *drawService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /v1/collections/{collection}/records", s.handleList)
	mux.HandleFunc("POST /v1/collections/{collection}/records", s.handlePush)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *drawService) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++

	if s.failing {
		http.Error(w, `{"error":"maintenance"}`, http.StatusServiceUnavailable)
		return
	}

	rows := make([]drawRow, 0)

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, `{"error":"bad since"}`, http.StatusBadRequest)
			return
		}

		since = t
	}

	for _, row := range s.rows[r.PathValue("collection")] {
		if row.UpdatedAt.After(since) {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Date > rows[j].Date })

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n < len(rows) {
			rows = rows[:n]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"records": rows})
}

func (s *drawService) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      string `json:"kind"`
		Date      string `json:"date"`
		Primary   []int  `json:"primary"`
		Secondary []int  `json:"secondary"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collection := r.PathValue("collection")
	s.pushes = append(s.pushes, pushed{
		Collection:     collection,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Kind:           req.Kind,
		Date:           req.Date,
	})

	if req.Kind == "upsert" {
		s.addLocked(collection, req.Date, req.Primary, req.Secondary)
	}

	w.WriteHeader(http.StatusAccepted)
}

// harness holds the full stack: the fake draw service, a real cache on
// disk, the orchestrator, and the MCP HTTP surface in front of it.
type harness struct {
	Service *drawService
	Orch    *orchestrator.Orchestrator
	Store   *cache.Store
	Sched   *scheduler.Manual
	URL     string
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	svc := newDrawService()

	upstream := httptest.NewServer(svc.handler())
	t.Cleanup(upstream.Close)

	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	store, err := cache.Open(filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)

	client := gateway.NewClient(upstream.Client(), upstream.URL, testToken)

	var sched *scheduler.Manual

	orch := orchestrator.New(orchestrator.Config{
		Gateway: client,
		Store:   store,
		Catalog: cat,
		NewScheduler: func(guard scheduler.Guard) scheduler.Scheduler {
			sched = scheduler.NewManual(guard)
			return sched
		},
		RequestTimeout:      5 * time.Second,
		ReadFallbackTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, orch.Initialize(t.Context()))

	t.Cleanup(func() {
		orch.Close()
		store.Close()
	})

	editor := admin.New(admin.Config{
		Store:     store,
		Validator: orch,
		Pusher:    client,
		Online:    orch.Online,
	}, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "draw-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, orch, editor)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Status:     orch.Status,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Service: svc,
		Orch:    orch,
		Store:   store,
		Sched:   sched,
		URL:     ts.URL,
		Client:  ts.Client(),
	}
}

// mcpSession connects an MCP client to the harness over streamable HTTP.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.URL + "/mcp",
		HTTPClient:           h.Client,
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// call invokes a tool and decodes its JSON text content into dest.
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil {
		require.False(t, result.IsError, "tool %s returned an error", name)
		require.NotEmpty(t, result.Content)

		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok, "first content is not TextContent")
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}
