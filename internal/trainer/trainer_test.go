package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tathienbao/execrl/internal/alerting"
	"github.com/tathienbao/execrl/internal/persistence"
	"github.com/tathienbao/execrl/internal/policy"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/types"
)

var baseTime = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) *persistence.SQLiteRepository {
	t.Helper()
	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "trainer.db"))
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func fixedState() types.StateFeatures {
	return types.StateFeatures{
		SpreadBps:         types.Ptr(4.0),
		VolumeRatio:       types.Ptr(1.0),
		Hour:              types.Ptr(11),
		RecentSlippageAvg: types.Ptr(3.0),
		Momentum:          types.Ptr(0.0),
	}
}

func seed(t *testing.T, repo *persistence.SQLiteRepository, n int, action types.Action, reward float64, offset int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		exp := &types.Experience{
			FillReference: fmt.Sprintf("fill-%s-%d", action, offset+i),
			Symbol:        "AAPL",
			StateFeatures: fixedState(),
			ActionTaken:   action,
			Reward:        reward,
			SlippageBps:   -reward,
			CreatedAt:     baseTime.Add(time.Duration(offset+i) * time.Second),
		}
		if err := repo.SaveExperience(ctx, exp); err != nil {
			t.Fatalf("save experience: %v", err)
		}
	}
}

func newTrainer(repo *persistence.SQLiteRepository, alerts alerting.EventAlerter) *Trainer {
	store := policy.NewStore(repo, alerts, nil, nil)
	return New(DefaultConfig(), repo, store, alerts, nil, nil)
}

type recordingListener struct {
	mu       sync.Mutex
	versions []int
}

func (l *recordingListener) PolicyActivated(p *types.ExecutionPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions = append(l.versions, p.Version)
}

func TestLearn(t *testing.T) {
	exps := []types.Experience{
		{StateFeatures: fixedState(), ActionTaken: types.ActionLimitTight, Reward: 10},
		{StateFeatures: fixedState(), ActionTaken: types.ActionLimitTight, Reward: 10},
		{StateFeatures: types.StateFeatures{}, ActionTaken: types.ActionWait5Min, Reward: -5},
	}

	table, rewards := Learn(exps, 0.1)

	key := state.Discretize(fixedState())
	if got := table.Get(key, types.ActionLimitTight); math.Abs(got-1.9) > 1e-9 {
		t.Errorf("Q = %v, want 1.9", got)
	}
	if got := table.Get(state.Discretize(types.StateFeatures{}), types.ActionWait5Min); math.Abs(got+0.5) > 1e-9 {
		t.Errorf("Q = %v, want -0.5", got)
	}
	if len(table) != 2 {
		t.Errorf("states = %d, want 2", len(table))
	}
	if len(rewards) != 3 {
		t.Errorf("rewards = %d, want 3", len(rewards))
	}
}

func TestTrain_InsufficientData(t *testing.T) {
	repo := setupRepo(t)
	alerts := alerting.NewMockAlerter()
	tr := newTrainer(repo, alerts)
	seed(t, repo, 50, types.ActionMarketImmediate, -2, 0)

	res, err := tr.Train(context.Background(), 200)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Error != "Need 200 experiences, have 50" {
		t.Errorf("error = %q", res.Error)
	}
	if !errors.Is(res.Err(), types.ErrInsufficientData) {
		t.Errorf("Err() = %v, want ErrInsufficientData", res.Err())
	}
	if res.Version != 0 {
		t.Errorf("version = %d, want 0", res.Version)
	}

	maxVersion, err := repo.MaxPolicyVersion(context.Background())
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if maxVersion != 0 {
		t.Errorf("policy created despite insufficient data (max version %d)", maxVersion)
	}
	if !alerts.HasEvent(alerting.EventInsufficientData) {
		t.Error("expected insufficient data alert")
	}
}

func TestTrain_DirectionalConvergence(t *testing.T) {
	repo := setupRepo(t)
	tr := newTrainer(repo, nil)

	for i := 0; i < 100; i++ {
		seed(t, repo, 1, types.ActionMarketImmediate, 10, 2*i)
		seed(t, repo, 1, types.ActionWait5Min, -10, 2*i+1)
	}

	res, err := tr.Train(context.Background(), 200)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected result error: %s", res.Error)
	}

	active, err := repo.ActivePolicies(context.Background())
	if err != nil || len(active) != 1 {
		t.Fatalf("active policies = %d, err %v", len(active), err)
	}
	key := state.Discretize(fixedState())
	a := active[0].Table.Get(key, types.ActionMarketImmediate)
	b := active[0].Table.Get(key, types.ActionWait5Min)
	if a <= b {
		t.Errorf("Q[A] = %v should exceed Q[B] = %v", a, b)
	}
	if active[0].SchemaVersion != state.SchemaVersion {
		t.Errorf("schema version = %d", active[0].SchemaVersion)
	}
	if active[0].RunID == "" || active[0].RunID != res.RunID {
		t.Errorf("run id = %q, result %q", active[0].RunID, res.RunID)
	}
}

func TestTrain_MixedRewards(t *testing.T) {
	repo := setupRepo(t)
	alerts := alerting.NewMockAlerter()
	tr := newTrainer(repo, alerts)

	seed(t, repo, 200, types.ActionMarketImmediate, -2, 0)
	seed(t, repo, 50, types.ActionLimitTight, 1, 200)

	res, err := tr.Train(context.Background(), 200)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Experiences != 250 {
		t.Errorf("experiences = %d, want 250", res.Experiences)
	}
	if res.States != 1 {
		t.Errorf("states = %d, want 1", res.States)
	}
	if math.Abs(res.AvgReward-(-1.4)) > 1e-9 {
		t.Errorf("avg reward = %v, want -1.4", res.AvgReward)
	}
	if res.Version != 1 || res.PolicyID == 0 {
		t.Errorf("version = %d, policy id = %d", res.Version, res.PolicyID)
	}

	active, _ := repo.ActivePolicies(context.Background())
	key := state.Discretize(fixedState())
	if q := active[0].Table.Get(key, types.ActionLimitTight); q <= 0 {
		t.Errorf("Q[LIMIT_TIGHT] = %v, want > 0", q)
	}
	if q := active[0].Table.Get(key, types.ActionMarketImmediate); q >= 0 {
		t.Errorf("Q[MARKET_IMMEDIATE] = %v, want < 0", q)
	}
	if !alerts.HasEvent(alerting.EventPolicyActivated) {
		t.Error("expected policy activated alert")
	}
}

func TestTrain_Reproducible(t *testing.T) {
	repo := setupRepo(t)
	tr := newTrainer(repo, nil)
	seed(t, repo, 150, types.ActionLimitLoose, -3, 0)
	seed(t, repo, 60, types.ActionLimitLoose, 4, 150)

	ctx := context.Background()
	if _, err := tr.Train(ctx, 200); err != nil {
		t.Fatalf("Train: %v", err)
	}
	first, _ := repo.ActivePolicies(ctx)
	if _, err := tr.Train(ctx, 200); err != nil {
		t.Fatalf("Train: %v", err)
	}
	second, _ := repo.ActivePolicies(ctx)

	key := state.Discretize(fixedState())
	if first[0].Table.Get(key, types.ActionLimitLoose) != second[0].Table.Get(key, types.ActionLimitLoose) {
		t.Error("retraining on the same history should give identical Q-values")
	}
}

func TestTrain_MonotonicVersionsAndSingleActive(t *testing.T) {
	repo := setupRepo(t)
	tr := newTrainer(repo, nil)
	listener := &recordingListener{}
	tr.AddListener(listener)
	seed(t, repo, 200, types.ActionLimitTight, 1, 0)

	ctx := context.Background()
	prev := 0
	for i := 0; i < 3; i++ {
		res, err := tr.Train(ctx, 200)
		if err != nil {
			t.Fatalf("Train: %v", err)
		}
		if res.Version <= prev {
			t.Errorf("version %d not greater than %d", res.Version, prev)
		}
		prev = res.Version

		active, err := repo.ActivePolicies(ctx)
		if err != nil {
			t.Fatalf("active: %v", err)
		}
		if len(active) != 1 || active[0].Version != res.Version {
			t.Errorf("after run %d: %d active policies", i, len(active))
		}
	}

	if len(listener.versions) != 3 || listener.versions[2] != 3 {
		t.Errorf("listener versions = %v, want [1 2 3]", listener.versions)
	}
}

func TestTrain_Concurrent(t *testing.T) {
	repo := setupRepo(t)
	tr := newTrainer(repo, nil)
	seed(t, repo, 200, types.ActionLimitTight, 1, 0)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Train(ctx, 200); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Train: %v", err)
	}

	active, err := repo.ActivePolicies(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active policies = %d, want 1", len(active))
	}
	if active[0].Version != 8 {
		t.Errorf("active version = %d, want 8", active[0].Version)
	}
}

type failingPublisher struct{}

func (failingPublisher) Active(context.Context) (*types.ExecutionPolicy, error) { return nil, nil }

func (failingPublisher) Publish(context.Context, *types.ExecutionPolicy) error {
	return errors.New("database is locked")
}

func TestTrain_PersistenceFailure(t *testing.T) {
	repo := setupRepo(t)
	alerts := alerting.NewMockAlerter()
	tr := New(DefaultConfig(), repo, failingPublisher{}, alerts, nil, nil)
	listener := &recordingListener{}
	tr.AddListener(listener)
	seed(t, repo, 200, types.ActionLimitTight, 1, 0)

	_, err := tr.Train(context.Background(), 200)
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if !alerts.HasEvent(alerting.EventTrainingFailed) {
		t.Error("expected training failed alert")
	}
	if len(listener.versions) != 0 {
		t.Error("listener must not be notified of an unpersisted policy")
	}
}

func TestJob(t *testing.T) {
	repo := setupRepo(t)
	tr := newTrainer(repo, nil)
	job := NewJob(tr, time.Minute)

	if job.Name() != "train_policy" {
		t.Errorf("name = %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Errorf("Run with no data: %v", err)
	}

	seed(t, repo, 200, types.ActionLimitTight, 1, 0)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v, _ := repo.MaxPolicyVersion(context.Background()); v != 1 {
		t.Errorf("max version = %d, want 1", v)
	}
}
