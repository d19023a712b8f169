package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/store/memory"
	"distributed-job-scheduler/internal/store/storetest"
)

func TestStoreBehaviour(t *testing.T) {
	n := 0
	storetest.Run(t, memory.New(), func() models.Scope {
		n++
		return models.Scope{OrgID: "org", ProjectID: fmt.Sprintf("p%d", n)}
	})
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	var defs []models.JobDefinition
	for i := 0; i < 50; i++ {
		defs = append(defs, models.JobDefinition{JobType: fmt.Sprintf("job_%02d", i), CadenceSeconds: 60})
	}
	_, err := st.SeedJobs(ctx, models.Scope{OrgID: "o", ProjectID: "p"}, defs, now)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := st.ClaimDueJobs(ctx, now, 10)
			assert.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}

func TestRefreshedRecordsViews(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.RefreshMaterializedView(context.Background(), "ticket_rollup"))
	assert.Equal(t, []string{"ticket_rollup"}, st.Refreshed())
}
