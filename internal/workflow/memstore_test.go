package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/sbpm/model"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedInstance(t *testing.T, store *MemoryStore, id string) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Instances().Create(ctx, &model.ProcessInstance{
			ID:             id,
			ProcessModelID: "order",
			Owner:          "alice",
			State:          model.InstanceActive,
			StartedAt:      testEpoch,
		})
	})
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}
}

func seedSubject(t *testing.T, store *MemoryStore, instanceID, id, state string) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Subjects().Create(ctx, &model.Subject{
			ID:                id,
			ProcessInstanceID: instanceID,
			SubjectModelID:    "clerk",
			Kind:              model.SubjectService,
			CurrentState:      state,
			CreatedAt:         testEpoch,
			LastChanged:       testEpoch,
		})
	})
	if err != nil {
		t.Fatalf("seed subject: %v", err)
	}
}

// --- Atomically ---

func TestMemoryStore_Atomically_commit(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().FindByID(ctx, "pi-1")
		if err != nil {
			return err
		}
		if inst.Version != 1 {
			t.Errorf("instance version = %d, want 1", inst.Version)
		}
		subjects, err := tx.Subjects().FindByInstance(ctx, "pi-1")
		if err != nil {
			return err
		}
		if len(subjects) != 1 || subjects[0].ID != "s-1" {
			t.Errorf("subjects = %+v, want [s-1]", subjects)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically error: %v", err)
	}
}

func TestMemoryStore_Atomically_rollback(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.Instances().Create(ctx, &model.ProcessInstance{ID: "pi-1", State: model.InstanceActive}); err != nil {
			return err
		}
		if err := tx.Trail().Append(ctx, model.AuditEntry{ProcessInstanceID: "pi-1", StateID: "fill"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	err = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.Instances().FindByID(ctx, "pi-1")
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_Instances_createDuplicate(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Instances().Create(ctx, &model.ProcessInstance{ID: "pi-1"})
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

// --- Versions ---

func TestMemoryStore_Subjects_saveIncrementsVersion(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		s, err := tx.Subjects().RetrieveForWrite(ctx, "s-1")
		if err != nil {
			return err
		}
		s.CurrentState = "review"
		if err := tx.Subjects().Save(ctx, s); err != nil {
			return err
		}
		// A second save in the same unit continues from the staged version.
		s.CurrentState = "end"
		return tx.Subjects().Save(ctx, s)
	})
	if err != nil {
		t.Fatalf("Atomically error: %v", err)
	}

	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		s, err := tx.Subjects().FindByID(ctx, "s-1")
		if err != nil {
			t.Fatalf("FindByID error: %v", err)
		}
		if s.CurrentState != "end" {
			t.Errorf("CurrentState = %q, want end", s.CurrentState)
		}
		if s.Version != 3 {
			t.Errorf("Version = %d, want 3", s.Version)
		}
		return nil
	})
}

func TestMemoryStore_Subjects_staleSave(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")

	var stale *model.Subject
	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		stale, _ = tx.Subjects().FindByID(ctx, "s-1")
		return nil
	})

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		s, _ := tx.Subjects().FindByID(ctx, "s-1")
		s.CurrentState = "review"
		return tx.Subjects().Save(ctx, s)
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}

	err = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		stale.CurrentState = "end"
		return tx.Subjects().Save(ctx, stale)
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_commitDetectsConcurrentWrite(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	loaded := make(chan struct{})
	written := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		errCh <- store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
			inst, err := tx.Instances().FindByID(ctx, "pi-1")
			if err != nil {
				return err
			}
			if err := tx.Instances().Save(ctx, inst); err != nil {
				return err
			}
			close(loaded)
			<-written
			return nil
		})
	}()

	<-loaded
	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instances().FindByID(ctx, "pi-1")
		if err != nil {
			return err
		}
		inst.Owner = "bob"
		return tx.Instances().Save(ctx, inst)
	})
	if err != nil {
		t.Fatalf("concurrent save: %v", err)
	}
	close(written)

	if err := <-errCh; !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

// --- Locks ---

func TestMemoryStore_RetrieveForWrite_blocksUntilRelease(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.Subjects().RetrieveForWrite(ctx, "s-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Subjects().RetrieveForWrite(ctx, "s-1")
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	close(release)
	err = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.Subjects().RetrieveForWrite(ctx, "s-1")
		return err
	})
	if err != nil {
		t.Errorf("RetrieveForWrite after release: %v", err)
	}
}

func TestMemoryStore_RetrieveForWrite_reentrant(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.Instances().RetrieveForWrite(ctx, "pi-1"); err != nil {
			return err
		}
		_, err := tx.Instances().RetrieveForWrite(ctx, "pi-1")
		return err
	})
	if err != nil {
		t.Errorf("second RetrieveForWrite in the same unit: %v", err)
	}
}

// --- Messages ---

func TestMemoryStore_Messages_stagedInbox(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.Messages().Append(ctx, model.Message{ID: "m-1", SubjectID: "s-1", ObjectModelID: "order"}); err != nil {
			return err
		}
		s, err := tx.Subjects().FindByID(ctx, "s-1")
		if err != nil {
			return err
		}
		if s.Unconsumed("order") != 1 {
			t.Errorf("Unconsumed = %d, want 1 before commit", s.Unconsumed("order"))
		}

		ok, err := tx.Messages().MarkConsumed(ctx, "s-1", "m-1")
		if err != nil {
			return err
		}
		if !ok {
			t.Error("MarkConsumed of a staged message = false, want true")
		}
		ok, _ = tx.Messages().MarkConsumed(ctx, "s-1", "m-1")
		if ok {
			t.Error("second MarkConsumed = true, want false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically error: %v", err)
	}

	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		s, _ := tx.Subjects().FindByID(ctx, "s-1")
		if len(s.Inbox) != 1 || !s.Inbox[0].Consumed {
			t.Errorf("Inbox = %+v, want one consumed message", s.Inbox)
		}
		return nil
	})
}

func TestMemoryStore_Messages_consumedExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")
	seedSubject(t, store, "pi-1", "s-1", "wait")
	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Messages().Append(ctx, model.Message{ID: "m-1", SubjectID: "s-1", ObjectModelID: "order"})
	})

	const workers = 16
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
				ok, err := tx.Messages().MarkConsumed(ctx, "s-1", "m-1")
				if err != nil {
					return err
				}
				if !ok {
					return model.NewConflictError("already consumed")
				}
				return nil
			})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := succeeded.Load(); got != 1 {
		t.Errorf("successful consumptions = %d, want 1", got)
	}
}

func TestMemoryStore_Messages_unknown(t *testing.T) {
	store := NewMemoryStore()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.Messages().MarkConsumed(ctx, "s-1", "missing")
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- Objects ---

func TestMemoryStore_Objects_getOrCreateConcurrent(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	const workers = 32
	var wg sync.WaitGroup
	var created atomic.Int32
	ids := make([]string, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
				obj, isNew, err := tx.Objects().GetOrCreate(ctx, model.ObjectInstance{
					ID:                fmt.Sprintf("obj-%d", i),
					ProcessInstanceID: "pi-1",
					ObjectModelID:     "order",
				})
				if err != nil {
					return err
				}
				if isNew {
					created.Add(1)
				}
				ids[i] = obj.ID
				return nil
			})
		}(i)
	}
	close(start)
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("created = %d, want 1", got)
	}
	if n := store.ObjectCount("pi-1"); n != 1 {
		t.Errorf("ObjectCount = %d, want 1", n)
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("caller %d saw %q, caller 0 saw %q", i, id, ids[0])
		}
	}
}

func TestMemoryStore_Objects_saveIsolatedUntilCommit(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	err := store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		obj, _, err := tx.Objects().GetOrCreate(ctx, model.ObjectInstance{ID: "obj-1", ProcessInstanceID: "pi-1", ObjectModelID: "order"})
		if err != nil {
			return err
		}
		obj.Data["name"] = "Widget"
		if err := tx.Objects().Save(ctx, obj); err != nil {
			return err
		}
		obj.Data["name"] = "mutated after save"
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort error")
	}

	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		objs, _ := tx.Objects().FindByInstance(ctx, "pi-1")
		if len(objs) != 1 {
			t.Fatalf("objects = %d, want 1", len(objs))
		}
		if _, ok := objs[0].Data["name"]; ok {
			t.Errorf("Data = %v, want no name after rollback", objs[0].Data)
		}
		if objs[0].Version != 1 {
			t.Errorf("Version = %d, want 1", objs[0].Version)
		}
		return nil
	})
}

// --- Trail ---

func TestMemoryStore_Trail_ordered(t *testing.T) {
	store := NewMemoryStore()
	seedInstance(t, store, "pi-1")

	later := testEpoch.Add(time.Minute)
	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		_ = tx.Trail().Append(ctx, model.AuditEntry{ProcessInstanceID: "pi-1", StateID: "second", Timestamp: later})
		_ = tx.Trail().Append(ctx, model.AuditEntry{ProcessInstanceID: "pi-1", StateID: "first", Timestamp: testEpoch})
		return nil
	})
	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Trail().Append(ctx, model.AuditEntry{ProcessInstanceID: "pi-1", StateID: "third", Timestamp: later})
	})

	var entries []model.AuditEntry
	_ = store.Atomically(context.Background(), func(ctx context.Context, tx Tx) error {
		entries, _ = tx.Trail().List(ctx, "pi-1")
		return nil
	})

	want := []string{"first", "second", "third"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].StateID != w {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].StateID, w)
		}
		if entries[i].ID == 0 {
			t.Errorf("entries[%d] has no ID", i)
		}
	}
}
