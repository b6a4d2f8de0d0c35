package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/quotedesk/model"
)

func testSession(tenantID, proposalNo string) model.Session {
	s := model.NewSession(tenantID, proposalNo, time.Now().UTC())
	s.Vehicles = []model.Vehicle{{
		ID: "veh-1",
		VehicleDetails: model.VehicleDetails{
			RegistrationNo: "LAG-123-AB",
			CoverType:      "Comprehensive",
			VehicleValue:   decimal.NewFromInt(5_000_000),
			PremiumRate:    decimal.NewFromInt(3),
		},
	}}
	return s
}

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client)
}

// storeFactories runs each behaviour test against every store that can run
// without external services.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			_, s := newTestRedisStore(t)
			return s
		},
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			if err := store.Create(ctx, testSession("tenant-1", "MOT-0001")); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			got, err := store.Get(ctx, "tenant-1", "MOT-0001")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if len(got.Vehicles) != 1 || got.Vehicles[0].RegistrationNo != "LAG-123-AB" {
				t.Errorf("Vehicles = %+v", got.Vehicles)
			}
			if got.Phase.Kind() != model.PhaseKindIdle {
				t.Errorf("Phase = %s, want idle", got.Phase.Kind())
			}
			if !got.Vehicles[0].VehicleValue.Equal(decimal.NewFromInt(5_000_000)) {
				t.Errorf("VehicleValue = %s", got.Vehicles[0].VehicleValue)
			}
		})
	}
}

func TestStore_Create_duplicate(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))
			err := store.Create(ctx, testSession("tenant-1", "MOT-0001"))
			if !model.HasCode(err, model.ErrConflict) {
				t.Errorf("error = %v, want CONFLICT", err)
			}
		})
	}
}

func TestStore_Get_tenantIsolation(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))
			_, err := store.Get(ctx, "tenant-2", "MOT-0001")
			if !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("error = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestStore_Update_optimisticLock(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()

			_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))
			sess, _ := store.Get(ctx, "tenant-1", "MOT-0001")

			sess.Phase = model.PhaseComputing{Operation: "complete", StartedAt: time.Now().UTC()}
			updated, err := store.Update(ctx, sess)
			if err != nil {
				t.Fatalf("Update error: %v", err)
			}
			if updated.Version != 2 {
				t.Errorf("Version = %d, want 2", updated.Version)
			}

			// The stale copy still carries version 1.
			if _, err := store.Update(ctx, sess); !model.HasCode(err, model.ErrConflict) {
				t.Errorf("stale Update error = %v, want CONFLICT", err)
			}

			got, _ := store.Get(ctx, "tenant-1", "MOT-0001")
			if !got.IsComputing() {
				t.Errorf("Phase = %s, want computing", got.Phase.Kind())
			}
		})
	}
}

func TestStore_Update_notFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newStore().Update(context.Background(), testSession("tenant-1", "MOT-9999"))
			if !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("error = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))

			base := time.Now().UTC()
			for i, evt := range []string{model.EventSessionCreated, model.EventVehicleAdded, model.EventCalculationCompleted} {
				err := store.AppendEvent(ctx, model.SessionEvent{
					ID:         evt,
					TenantID:   "tenant-1",
					ProposalNo: "MOT-0001",
					Event:      evt,
					ActorID:    "agent-1",
					Data:       map[string]any{"i": i},
					Timestamp:  base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatalf("AppendEvent error: %v", err)
				}
			}

			events, err := store.GetEvents(ctx, "tenant-1", "MOT-0001")
			if err != nil {
				t.Fatalf("GetEvents error: %v", err)
			}
			if len(events) != 3 {
				t.Fatalf("len(events) = %d, want 3", len(events))
			}
			if events[0].Event != model.EventSessionCreated || events[2].Event != model.EventCalculationCompleted {
				t.Errorf("order = %s..%s", events[0].Event, events[2].Event)
			}

			if _, err := store.GetEvents(ctx, "tenant-2", "MOT-0001"); !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("other tenant error = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))

			if err := store.Delete(ctx, "tenant-1", "MOT-0001"); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if _, err := store.Get(ctx, "tenant-1", "MOT-0001"); !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("Get after Delete error = %v, want NOT_FOUND", err)
			}
			if err := store.Delete(ctx, "tenant-1", "MOT-0001"); !model.HasCode(err, model.ErrNotFound) {
				t.Errorf("second Delete error = %v, want NOT_FOUND", err)
			}
		})
	}
}

func TestStore_FindExpired(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			ctx := context.Background()
			now := time.Now().UTC()

			expired := testSession("tenant-1", "MOT-0001")
			past := now.Add(-time.Minute)
			expired.ExpiresAt = &past

			live := testSession("tenant-1", "MOT-0002")
			future := now.Add(time.Hour)
			live.ExpiresAt = &future

			noExpiry := testSession("tenant-1", "MOT-0003")

			for _, s := range []model.Session{expired, live, noExpiry} {
				if err := store.Create(ctx, s); err != nil {
					t.Fatalf("Create error: %v", err)
				}
			}

			got, err := store.FindExpired(ctx, now)
			if err != nil {
				t.Fatalf("FindExpired error: %v", err)
			}
			if len(got) != 1 || got[0].ProposalNo != "MOT-0001" {
				t.Errorf("FindExpired = %d sessions, want MOT-0001 only", len(got))
			}
		})
	}
}

func TestStore_HealthCheck(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := newStore().HealthCheck(context.Background()); err != nil {
				t.Errorf("HealthCheck error: %v", err)
			}
		})
	}
}

func TestRedisStore_keyTTL(t *testing.T) {
	mr, store := newTestRedisStore(t)
	ctx := context.Background()

	s := testSession("tenant-1", "MOT-0001")
	exp := time.Now().Add(2 * time.Hour)
	s.ExpiresAt = &exp
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	ttl := mr.TTL(sessionKey("tenant-1", "MOT-0001"))
	if ttl < 2*time.Hour || ttl > 3*time.Hour+time.Minute {
		t.Errorf("TTL = %v, want about 3h", ttl)
	}
}

func TestRedisStore_FindExpired_dropsEvictedKeys(t *testing.T) {
	mr, store := newTestRedisStore(t)
	ctx := context.Background()

	s := testSession("tenant-1", "MOT-0001")
	past := time.Now().Add(-time.Minute)
	s.ExpiresAt = &past
	_ = store.Create(ctx, s)

	mr.Del(sessionKey("tenant-1", "MOT-0001"))

	got, err := store.FindExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("FindExpired error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FindExpired = %d sessions, want 0", len(got))
	}
	if members, _ := mr.ZMembers(redisExpiryIndex); len(members) != 0 {
		t.Errorf("expiry index = %v, want empty", members)
	}
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, testSession("tenant-1", "MOT-0001"))

	got, _ := store.Get(ctx, "tenant-1", "MOT-0001")
	got.Vehicles[0].RegistrationNo = "CHANGED"

	again, _ := store.Get(ctx, "tenant-1", "MOT-0001")
	if again.Vehicles[0].RegistrationNo != "LAG-123-AB" {
		t.Error("mutating a returned session changed the stored one")
	}
}
