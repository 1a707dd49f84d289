package collab

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/goblinsan/multi-agent-machine-client/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestTaskStore(t *testing.T) *GormTaskStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewGormTaskStore(pool, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestGormTaskStore_CreateAndFetch(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	low, err := store.CreateTask(ctx, TaskSpec{ProjectID: "p1", Title: "write docs", Priority: 1})
	require.NoError(t, err)
	assert.True(t, low.OK)
	assert.NotEmpty(t, low.ID)

	high, err := store.CreateTask(ctx, TaskSpec{ProjectID: "p1", Title: "fix build", Priority: 5, Labels: []string{"ci", "urgent"}})
	require.NoError(t, err)

	_, err = store.CreateTask(ctx, TaskSpec{ProjectID: "p2", Title: "other project"})
	require.NoError(t, err)

	tasks, err := store.FetchTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, high.ID, tasks[0].ID)
	assert.Equal(t, []string{"ci", "urgent"}, tasks[0].Labels)
	assert.Equal(t, "open", tasks[1].Status)
}

func TestGormTaskStore_CreateRequiresFields(t *testing.T) {
	store := newTestTaskStore(t)
	_, err := store.CreateTask(context.Background(), TaskSpec{Title: "no project"})
	assert.Error(t, err)
}

func TestGormTaskStore_UpdateTaskStatus(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	created, err := store.CreateTask(ctx, TaskSpec{ProjectID: "p1", Title: "implement"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateTaskStatus(ctx, created.ID, "in_review", "p1"))

	tasks, err := store.FetchTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "in_review", tasks[0].Status)

	// wrong project does not match
	err = store.UpdateTaskStatus(ctx, created.ID, "done", "p2")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
