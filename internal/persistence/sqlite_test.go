package persistence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tathienbao/execrl/internal/types"
)

func setupTestDB(t *testing.T) (*SQLiteRepository, func()) {
	t.Helper()

	// Create temp file
	f, err := os.CreateTemp("", "execrl-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	repo, err := NewSQLiteRepository(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	}

	return repo, cleanup
}

func newExperience(ref, symbol string, action types.Action, reward, slippage float64, at time.Time) *types.Experience {
	return &types.Experience{
		FillReference: ref,
		Symbol:        symbol,
		StateFeatures: types.StateFeatures{
			SpreadBps:         types.Ptr(4.0),
			Hour:              types.Ptr(11),
			RecentSlippageAvg: types.Ptr(slippage),
		},
		ActionTaken: action,
		Reward:      reward,
		SlippageBps: slippage,
		CreatedAt:   at,
	}
}

func TestSQLiteRepository_Experience(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	exp := newExperience("fill-1", "AAPL", types.ActionLimitTight, -1.5, 1.5, now)
	if err := repo.SaveExperience(ctx, exp); err != nil {
		t.Fatalf("save experience: %v", err)
	}
	if exp.ID == 0 {
		t.Error("expected experience ID to be set")
	}

	count, err := repo.CountExperiences(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	list, err := repo.ListExperiences(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}

	got := list[0]
	if got.FillReference != "fill-1" {
		t.Errorf("fill reference = %s, want fill-1", got.FillReference)
	}
	if got.ActionTaken != types.ActionLimitTight {
		t.Errorf("action = %s, want LIMIT_TIGHT", got.ActionTaken)
	}
	if got.Reward != -1.5 {
		t.Errorf("reward = %f, want -1.5", got.Reward)
	}
	if got.StateFeatures.SpreadBps == nil || *got.StateFeatures.SpreadBps != 4.0 {
		t.Errorf("spread = %v, want 4.0", got.StateFeatures.SpreadBps)
	}
	if got.StateFeatures.VolumeRatio != nil {
		t.Errorf("volume ratio = %v, want nil", *got.StateFeatures.VolumeRatio)
	}
}

func TestSQLiteRepository_DuplicateFill(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.SaveExperience(ctx, newExperience("fill-dup", "AAPL", types.ActionMarketImmediate, -3, 3, now)); err != nil {
		t.Fatalf("first save: %v", err)
	}

	err := repo.SaveExperience(ctx, newExperience("fill-dup", "AAPL", types.ActionMarketImmediate, -3, 3, now))
	if !errors.Is(err, types.ErrDuplicateExperience) {
		t.Fatalf("second save error = %v, want ErrDuplicateExperience", err)
	}

	count, _ := repo.CountExperiences(ctx)
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSQLiteRepository_ListExperiences_OldestFirst(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	// Insert out of chronological order
	refs := []struct {
		ref    string
		offset time.Duration
	}{
		{"c", 2 * time.Hour},
		{"a", 0},
		{"b", time.Hour},
	}
	for _, r := range refs {
		if err := repo.SaveExperience(ctx, newExperience(r.ref, "AAPL", types.ActionLimitLoose, 0, 0, base.Add(r.offset))); err != nil {
			t.Fatalf("save %s: %v", r.ref, err)
		}
	}

	list, err := repo.ListExperiences(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	want := []string{"a", "b", "c"}
	for i, ref := range want {
		if list[i].FillReference != ref {
			t.Errorf("list[%d] = %s, want %s", i, list[i].FillReference, ref)
		}
	}
}

func TestSQLiteRepository_ExecutionProfile(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	for i, slip := range []float64{2, 4, 6} {
		ref := "p-" + string(rune('a'+i))
		if err := repo.SaveExperience(ctx, newExperience(ref, "MSFT", types.ActionLimitLoose, -slip, slip, now)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	profile, err := repo.ExecutionProfile(ctx, "MSFT")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile == nil {
		t.Fatal("expected profile, got nil")
	}
	if profile.FillCount != 3 {
		t.Errorf("fill count = %d, want 3", profile.FillCount)
	}
	if profile.AvgSlippageBps != 4 {
		t.Errorf("avg slippage = %f, want 4", profile.AvgSlippageBps)
	}

	missing, err := repo.ExecutionProfile(ctx, "NOPE")
	if err != nil {
		t.Fatalf("missing profile: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil profile, got %+v", missing)
	}
}

func newPolicy(table types.QTable) *types.ExecutionPolicy {
	return &types.ExecutionPolicy{
		PolicyType:    types.PolicyTypeTabularQ,
		SchemaVersion: 1,
		Table:         table,
		TrainEpisodes: 200,
		AvgReward:     -1.4,
		RunID:         "run-1",
	}
}

func TestSQLiteRepository_CreateActivePolicy(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		table := types.QTable{}
		table.Set("s1_v2_t2_sl1_m0_l1", types.ActionLimitTight, float64(want))

		p := newPolicy(table)
		if err := repo.CreateActivePolicy(ctx, p); err != nil {
			t.Fatalf("create policy %d: %v", want, err)
		}
		if p.Version != want {
			t.Errorf("version = %d, want %d", p.Version, want)
		}
		if !p.IsActive {
			t.Error("expected new policy to be active")
		}

		active, err := repo.ActivePolicies(ctx)
		if err != nil {
			t.Fatalf("active policies: %v", err)
		}
		if len(active) != 1 {
			t.Fatalf("active count = %d, want 1", len(active))
		}
		if active[0].Version != want {
			t.Errorf("active version = %d, want %d", active[0].Version, want)
		}
		if got := active[0].Table.Get("s1_v2_t2_sl1_m0_l1", types.ActionLimitTight); got != float64(want) {
			t.Errorf("q-value = %f, want %d", got, want)
		}
	}

	maxVersion, err := repo.MaxPolicyVersion(ctx)
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if maxVersion != 3 {
		t.Errorf("max version = %d, want 3", maxVersion)
	}

	history, err := repo.ListPolicies(ctx, 10)
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Version != 3 || !history[0].IsActive {
		t.Errorf("history[0] = v%d active=%v, want v3 active", history[0].Version, history[0].IsActive)
	}
	if history[1].IsActive || history[2].IsActive {
		t.Error("expected older policies to be inactive")
	}
}

func TestSQLiteRepository_RepairActivePolicy(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.CreateActivePolicy(ctx, newPolicy(types.QTable{})); err != nil {
			t.Fatalf("create policy: %v", err)
		}
	}

	// Corrupt the active flags: two rows active, neither the newest.
	if _, err := repo.db.ExecContext(ctx, `UPDATE execution_policies SET is_active = CASE WHEN version < 3 THEN 1 ELSE 0 END`); err != nil {
		t.Fatalf("corrupt flags: %v", err)
	}

	active, _ := repo.ActivePolicies(ctx)
	if len(active) != 2 {
		t.Fatalf("setup: active count = %d, want 2", len(active))
	}

	repaired, err := repo.RepairActivePolicy(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repaired == nil || repaired.Version != 3 {
		t.Fatalf("repaired = %+v, want version 3", repaired)
	}

	active, _ = repo.ActivePolicies(ctx)
	if len(active) != 1 || active[0].Version != 3 {
		t.Errorf("after repair: %d active, want only version 3", len(active))
	}
}

func TestSQLiteRepository_RepairActivePolicy_Empty(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	repaired, err := repo.RepairActivePolicy(context.Background())
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if repaired != nil {
		t.Errorf("expected nil policy, got %+v", repaired)
	}
}
