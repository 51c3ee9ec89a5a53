package conflict

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// --- Strategies ---

func TestResolve_LocalWinsPushesLocalValues(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	c := fx.divergedPerson(t, 1)
	before, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, c.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("load local: %v", err)
	}

	resolved, err := fx.resolver.Resolve(ctx, c, LocalWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Strategy != LocalWins {
		t.Fatalf("resolved = %q/%q", resolved.Status, resolved.Strategy)
	}
	if resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(testBase) {
		t.Fatalf("resolved at = %v", resolved.ResolvedAt)
	}
	if resolved.Resolution == nil || resolved.Resolution.ResolvedBy != "auto" {
		t.Fatalf("resolution = %+v", resolved.Resolution)
	}

	// The remote received exactly the diverging local values, unguarded.
	updates := fx.remote.pushed()
	if len(updates) != 1 {
		t.Fatalf("remote updates = %d, want 1", len(updates))
	}
	want := map[string]any{"name": "Ada K. Lovelace", "phone": "555-0100"}
	if !reflect.DeepEqual(updates[0].fields, want) {
		t.Fatalf("pushed fields = %+v, want %+v", updates[0].fields, want)
	}
	if updates[0].version != -1 {
		t.Fatalf("push carried version guard %d", updates[0].version)
	}

	// The local copy is untouched.
	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, c.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if !reflect.DeepEqual(after.Fields, before.Fields) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("local copy changed: %+v", after)
	}

	// The audit row reached resolved.
	stored, err := fx.detector.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("load stored conflict: %v", err)
	}
	if stored.Status != StatusResolved || stored.Resolution == nil || stored.Resolution.Strategy != LocalWins {
		t.Fatalf("stored conflict = %+v", stored)
	}
}

func TestResolve_RemoteWinsOverwritesLocalCopy(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	c := fx.divergedPerson(t, 1)
	originalID := c.LocalRecord.LocalID

	resolved, err := fx.resolver.Resolve(ctx, c, RemoteWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Strategy != RemoteWins {
		t.Fatalf("resolved = %q/%q", resolved.Status, resolved.Strategy)
	}
	if len(fx.remote.pushed()) != 0 {
		t.Fatal("remote must stay untouched under remote_wins")
	}

	// The local id survives the rewrite; the fields are the remote's.
	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, originalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if after.Fields["name"] != "Ada Lovelace" {
		t.Fatalf("name = %v, local edit should be discarded", after.Fields["name"])
	}
	if after.Fields["phone"] != "555-0199" {
		t.Fatalf("phone = %v, remote edit should be adopted", after.Fields["phone"])
	}
	if !after.RemoteTime.Equal(testBase.Add(-15 * time.Minute)) {
		t.Fatalf("remote time = %s", after.RemoteTime)
	}
}

func TestResolve_MergeWritesBothSides(t *testing.T) {
	fx := newConflictFixture(t)
	fx.withRules(MergeRules{"name": PreferLonger, "score": PreferHigher})
	ctx := context.Background()
	syncedAt := testBase.Add(-2 * time.Hour)

	rec := person(1, map[string]any{"name": "Ada King", "score": 40.0, "phone": ""}, syncedAt.Add(-time.Hour))
	local := fx.seedSynced(t, rec, syncedAt)
	fx.editLocal(t, types.EntityPersons, local.LocalID, map[string]any{"name": "Ada King-Noel"}, testBase.Add(-30*time.Minute))
	fx.remote.edit(types.EntityPersons, 1, map[string]any{"score": 75.0, "phone": "555-0199"}, testBase.Add(-15*time.Minute))

	c, err := fx.detector.Detect(ctx, types.EntityPersons, local.LocalID, syncedAt)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if c == nil || len(c.Fields) != 3 {
		t.Fatalf("conflict = %+v, want name, phone, and score diverging", c)
	}

	resolved, err := fx.resolver.Resolve(ctx, c, Merge)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// prefer_longer keeps the local name, prefer_higher the remote score,
	// and the unruled phone takes the present value.
	wantMerged := map[string]any{"name": "Ada King-Noel", "phone": "555-0199", "score": 75.0}
	if !reflect.DeepEqual(resolved.Resolution.Merged, wantMerged) {
		t.Fatalf("merged = %+v, want %+v", resolved.Resolution.Merged, wantMerged)
	}

	updates := fx.remote.pushed()
	if len(updates) != 1 || !reflect.DeepEqual(updates[0].fields, wantMerged) {
		t.Fatalf("remote updates = %+v, want one push of %+v", updates, wantMerged)
	}

	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, local.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	for field, want := range wantMerged {
		if !reflect.DeepEqual(after.Fields[field], want) {
			t.Fatalf("local %s = %v, want %v", field, after.Fields[field], want)
		}
	}
}

func TestResolve_ManualParksUntilReviewed(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	c := fx.divergedPerson(t, 1)
	before, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, c.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("load local: %v", err)
	}

	parked, err := fx.resolver.Resolve(ctx, c, Manual)
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if parked.Status != StatusPending || parked.ResolvedAt != nil || parked.Resolution != nil {
		t.Fatalf("parked = %+v", parked)
	}
	if len(fx.remote.pushed()) != 0 {
		t.Fatal("manual strategy must not touch the remote")
	}
	if n := mustCount(t, fx.db, "conflicts", storage.Eq("status", string(StatusPending))); n != 1 {
		t.Fatalf("pending conflicts = %d, want 1", n)
	}

	// Nothing moves until the reviewer decides.
	mid, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, c.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if !reflect.DeepEqual(mid.Fields, before.Fields) {
		t.Fatalf("local copy changed while pending: %+v", mid.Fields)
	}

	fx.clk.Advance(45 * time.Minute)
	done, err := fx.resolver.RecordResolution(ctx, c.ID, Resolution{
		Strategy:   RemoteWins,
		ResolvedBy: "dana@acme.test",
		Notes:      "remote copy verified with the account owner",
	})
	if err != nil {
		t.Fatalf("record resolution: %v", err)
	}
	if done.Status != StatusResolved || done.Strategy != RemoteWins {
		t.Fatalf("done = %q/%q", done.Status, done.Strategy)
	}
	if done.ResolvedAt == nil || !done.ResolvedAt.Equal(testBase.Add(45*time.Minute)) {
		t.Fatalf("resolved at = %v", done.ResolvedAt)
	}

	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, c.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if after.Fields["phone"] != "555-0199" {
		t.Fatalf("phone = %v, reviewer chose the remote copy", after.Fields["phone"])
	}

	stored, err := fx.detector.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("load stored conflict: %v", err)
	}
	if stored.Resolution == nil || stored.Resolution.ResolvedBy != "dana@acme.test" || stored.Resolution.Notes == "" {
		t.Fatalf("stored resolution = %+v", stored.Resolution)
	}
}

// --- Immutability ---

func TestResolve_ResolvedConflictsAreImmutable(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()
	syncedAt := testBase.Add(-2 * time.Hour)

	c := fx.divergedPerson(t, 1)
	stale := *c

	if _, err := fx.resolver.Resolve(ctx, c, RemoteWins); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	if _, err := fx.resolver.Resolve(ctx, c, LocalWins); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := fx.resolver.Resolve(ctx, &stale, Manual); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("stale copy err = %v, want ErrAlreadyResolved", err)
	}
	if _, err := fx.resolver.RecordResolution(ctx, c.ID, Resolution{Strategy: LocalWins}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("reviewer err = %v, want ErrAlreadyResolved", err)
	}

	stored, err := fx.detector.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("load stored conflict: %v", err)
	}
	if stored.Strategy != RemoteWins {
		t.Fatalf("stored strategy = %q, the first resolution must stand", stored.Strategy)
	}
	if n := mustCount(t, fx.db, "conflicts"); n != 1 {
		t.Fatalf("stored conflicts = %d, want 1", n)
	}

	// Renewed divergence opens a fresh conflict instead of reviving the
	// resolved one.
	fx.editLocal(t, types.EntityPersons, stale.LocalRecord.LocalID, map[string]any{"name": "Ada the Second"}, testBase.Add(10*time.Minute))
	fx.remote.edit(types.EntityPersons, 1, map[string]any{"phone": "555-0177"}, testBase.Add(11*time.Minute))

	fresh, err := fx.detector.Detect(ctx, types.EntityPersons, stale.LocalRecord.LocalID, syncedAt)
	if err != nil {
		t.Fatalf("re-detect: %v", err)
	}
	if fresh == nil || fresh.ID == c.ID {
		t.Fatalf("fresh conflict = %+v, want a new id", fresh)
	}
	if n := mustCount(t, fx.db, "conflicts"); n != 2 {
		t.Fatalf("stored conflicts = %d, want 2", n)
	}
}

// --- Batch resolution ---

func TestResolveBatch_OneFailureDoesNotStopTheRest(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	conflicts := []*Conflict{
		fx.divergedPerson(t, 1),
		fx.divergedPerson(t, 2),
		fx.divergedPerson(t, 3),
	}
	fx.remote.failUpdate(2, &pipedrive.APIError{StatusCode: 500, Message: "server error"})

	outcomes := fx.resolver.ResolveBatch(ctx, conflicts, LocalWins)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Conflict.Status != StatusResolved {
		t.Fatalf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Err == nil || !strings.Contains(outcomes[1].Err.Error(), conflicts[1].ID) {
		t.Fatalf("second outcome err = %v", outcomes[1].Err)
	}
	if outcomes[2].Err != nil || outcomes[2].Conflict.Status != StatusResolved {
		t.Fatalf("third outcome = %+v", outcomes[2])
	}

	// The failed conflict stays open for a retry.
	stored, err := fx.detector.Get(ctx, conflicts[1].ID)
	if err != nil {
		t.Fatalf("load failed conflict: %v", err)
	}
	if stored.Status != StatusDetected {
		t.Fatalf("failed conflict status = %q, want %q", stored.Status, StatusDetected)
	}
	if n := mustCount(t, fx.db, "conflicts", storage.Eq("status", string(StatusResolved))); n != 2 {
		t.Fatalf("resolved conflicts = %d, want 2", n)
	}
}

func TestResolveBatchMixed_AppliesPerConflictChoices(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	a := fx.divergedPerson(t, 1)
	b := fx.divergedPerson(t, 2)
	unassigned := fx.divergedPerson(t, 3)

	outcomes := fx.resolver.ResolveBatchMixed(ctx, []*Conflict{a, b, unassigned}, map[string]Strategy{
		a.ID: LocalWins,
		b.ID: RemoteWins,
	})

	if outcomes[0].Err != nil || outcomes[0].Conflict.Strategy != LocalWins {
		t.Fatalf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Err != nil || outcomes[1].Conflict.Strategy != RemoteWins {
		t.Fatalf("second outcome = %+v", outcomes[1])
	}
	if outcomes[2].Err == nil || !strings.Contains(outcomes[2].Err.Error(), "no strategy") {
		t.Fatalf("third outcome err = %v", outcomes[2].Err)
	}

	// Only the local_wins conflict pushed to the remote.
	updates := fx.remote.pushed()
	if len(updates) != 1 || updates[0].id != 1 {
		t.Fatalf("remote updates = %+v, want one push for person 1", updates)
	}

	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, b.LocalRecord.LocalID)
	if err != nil {
		t.Fatalf("reload person 2: %v", err)
	}
	if after.Fields["phone"] != "555-0199" {
		t.Fatalf("person 2 phone = %v, want the remote value", after.Fields["phone"])
	}
}

// --- Optimistic locking ---

func TestUpdateWithOptimisticLock_StaleVersionChangesNothing(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()
	syncedAt := testBase.Add(-2 * time.Hour)

	rec := person(1, map[string]any{"name": "Ada", "version": 5.0}, syncedAt.Add(-time.Hour))
	local := fx.seedSynced(t, rec, syncedAt)
	fx.remote.setVersion(1, 7)

	_, err := fx.resolver.UpdateWithOptimisticLock(ctx, types.EntityPersons, 1, map[string]any{"name": "Ada Byron"})
	var vc *pipedrive.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("err = %v, want VersionConflictError", err)
	}
	if vc.Version != 5 {
		t.Fatalf("guarded version = %d, want the locally known 5", vc.Version)
	}

	if len(fx.remote.pushed()) != 0 {
		t.Fatal("no update may land on a stale version")
	}
	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, local.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if after.Fields["name"] != "Ada" || after.Version != 5 {
		t.Fatalf("local copy changed: name=%v version=%d", after.Fields["name"], after.Version)
	}
}

func TestUpdateWithOptimisticLock_MatchingVersionUpdatesBothSides(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()
	syncedAt := testBase.Add(-2 * time.Hour)

	rec := person(1, map[string]any{"name": "Ada", "version": 5.0}, syncedAt.Add(-time.Hour))
	local := fx.seedSynced(t, rec, syncedAt)
	fx.remote.setVersion(1, 5)

	remote, err := fx.resolver.UpdateWithOptimisticLock(ctx, types.EntityPersons, 1, map[string]any{"name": "Ada Byron"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if remote.Fields["name"] != "Ada Byron" || remote.Fields["version"] != 6.0 {
		t.Fatalf("remote after update = %+v", remote.Fields)
	}

	updates := fx.remote.pushed()
	if len(updates) != 1 || updates[0].version != 5 {
		t.Fatalf("updates = %+v, want one guarded by version 5", updates)
	}

	after, err := storage.GetByLocalID(ctx, fx.db, types.EntityPersons, local.LocalID)
	if err != nil {
		t.Fatalf("reload local: %v", err)
	}
	if after.Fields["name"] != "Ada Byron" || after.Version != 6 {
		t.Fatalf("local mirror = name=%v version=%d, want the server state", after.Fields["name"], after.Version)
	}
}

// --- Guards ---

func TestResolve_RejectsUnknownStrategy(t *testing.T) {
	fx := newConflictFixture(t)

	c := fx.divergedPerson(t, 1)
	if _, err := fx.resolver.Resolve(context.Background(), c, Strategy("coin_flip")); err == nil {
		t.Fatal("expected an error for unknown strategy")
	}
}

func TestRecordResolution_RequiresConcreteStrategy(t *testing.T) {
	fx := newConflictFixture(t)
	ctx := context.Background()

	c := fx.divergedPerson(t, 1)
	if _, err := fx.resolver.Resolve(ctx, c, Manual); err != nil {
		t.Fatalf("park: %v", err)
	}

	if _, err := fx.resolver.RecordResolution(ctx, c.ID, Resolution{Strategy: Manual}); err == nil {
		t.Fatal("manual cannot finalize a review")
	}
	if _, err := fx.resolver.RecordResolution(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", Resolution{Strategy: LocalWins}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing conflict err = %v, want ErrNotFound", err)
	}
}
