//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/knowledge"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/store"
	"github.com/nidhogg/caremesh/internal/system"
	"github.com/nidhogg/caremesh/internal/toolchain"
	"github.com/nidhogg/caremesh/internal/workflow"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *store.Store
	testGraph    *knowledge.InsightGraph
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("caremesh_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// startNeo4j starts a Neo4j testcontainer, returns bolt URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// coreWiring is the full in-process orchestration stack backed by the shared
// test containers.
type coreWiring struct {
	agents *registry.Registry
	tools  *toolchain.Registry
	events *bus.Bus
	engine *workflow.Engine
	teams  *collab.Manager
	sys    *system.Manager
}

// newCoreWiring wires the orchestration stack against the shared test store.
func newCoreWiring(t *testing.T) *coreWiring {
	t.Helper()
	cfg := config.Default()

	agents := registry.New(testLogger)
	registry.RegisterBuiltins(agents)
	tools := toolchain.NewRegistry(testLogger)
	toolchain.RegisterBuiltins(tools)

	events := bus.New(testLogger)
	sel := toolchain.NewSelector(tools, cfg.Tools, testLogger)
	exec := toolchain.NewExecutor(tools, toolchain.NewResourceManager(16), testLogger)
	refl := reflection.New(cfg.Reflection, testLogger)
	pl := planner.New(agents, testLogger)
	engine := workflow.New(pl, agents, sel, exec, refl, events, cfg.Orchestration, testLogger)
	teams := collab.New(agents, knowledge.NewMemoryBase(nil), events, cfg.Collaboration, testLogger)

	sys, err := system.New(agents, tools, engine, teams, events, testStore, testLogger)
	if err != nil {
		t.Fatalf("system wiring: %v", err)
	}
	return &coreWiring{
		agents: agents,
		tools:  tools,
		events: events,
		engine: engine,
		teams:  teams,
		sys:    sys,
	}
}

// runWorkflow submits a task and waits for the resulting instance to finish.
func (w *coreWiring) runWorkflow(t *testing.T, req system.TaskRequest) (*workflow.Instance, *workflow.Result) {
	t.Helper()

	resp, err := w.sys.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process task: %v", err)
	}
	if resp.InstanceID == "" {
		t.Fatalf("task did not start a workflow: %+v", resp)
	}
	inst, ok := w.engine.Get(resp.InstanceID)
	if !ok {
		t.Fatalf("instance %s not registered", resp.InstanceID)
	}
	select {
	case <-inst.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("workflow did not finish")
	}
	return inst, inst.Result()
}
