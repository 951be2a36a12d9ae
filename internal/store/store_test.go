package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/lib/pq"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var subCols = []string{"id", "external_id", "user_id", "status", "plan_name", "billing_cycle",
	"current_period_start", "current_period_end", "cancel_at_period_end", "amount", "currency",
	"metadata", "created_at", "updated_at"}

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Fatalf("expected nil")
	}
	if !errors.Is(mapErr(sql.ErrNoRows), ErrNotFound) {
		t.Fatalf("expected ErrNotFound")
	}
	if !errors.Is(mapErr(&pq.Error{Code: "23505"}), ErrConflict) {
		t.Fatalf("expected ErrConflict")
	}
	other := errors.New("boom")
	if mapErr(other) != other {
		t.Fatalf("expected passthrough")
	}
}

func TestActiveSubscription(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`FROM public\.subscriptions\s+WHERE user_id = \$1 AND status = 'active'`).
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows(subCols))
		sub, err := s.ActiveSubscription(context.Background(), "u1")
		if err != nil || sub != nil {
			t.Fatalf("expected (nil, nil) got (%v, %v)", sub, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	})

	t.Run("found", func(t *testing.T) {
		s, mock := newMock(t)
		now := time.Now()
		mock.ExpectQuery(`FROM public\.subscriptions`).
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows(subCols).AddRow("id1", "sub_1", "u1", "active", "creator", "monthly",
				int64(1), int64(2), false, int64(3999), "usd", []byte(`{"user_id":"u1"}`), now, now))
		sub, err := s.ActiveSubscription(context.Background(), "u1")
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if sub.ExternalID != "sub_1" || sub.UserID == nil || *sub.UserID != "u1" || !sub.IsActive() {
			t.Fatalf("unexpected sub %+v", sub)
		}
		if sub.MetadataString("user_id") != "u1" {
			t.Fatalf("metadata not scanned: %s", sub.Metadata)
		}
	})

	t.Run("db error", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`FROM public\.subscriptions`).WillReturnError(sql.ErrConnDone)
		if _, err := s.ActiveSubscription(context.Background(), "u1"); !errors.Is(err, sql.ErrConnDone) {
			t.Fatalf("expected ErrConnDone got %v", err)
		}
	})
}

func TestUpsertSubscription_ActiveDemotesOthers(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	uid := "u1"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.subscriptions\s+SET status = 'canceled'`).
		WithArgs("u1", "sub_2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO public\.subscriptions`).
		WillReturnRows(sqlmock.NewRows(subCols).AddRow("id2", "sub_2", "u1", "active", "influencer", "monthly",
			int64(0), int64(0), false, int64(5999), "usd", []byte(`{}`), now, now))
	mock.ExpectCommit()

	out, err := s.UpsertSubscription(context.Background(), &models.Subscription{
		ExternalID: "sub_2", UserID: &uid, Status: models.StatusActive, PlanName: "influencer", Amount: 5999,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.ID != "id2" {
		t.Fatalf("unexpected id %q", out.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSubscription_NoUserSkipsDemotion(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM public\.subscriptions WHERE external_id = \$1 FOR UPDATE`).
		WithArgs("sub_3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO public\.subscriptions`).
		WillReturnRows(sqlmock.NewRows(subCols).AddRow("id3", "sub_3", nil, "active", "creator", "monthly",
			int64(0), int64(0), false, int64(0), "usd", []byte(`{}`), now, now))
	mock.ExpectCommit()

	out, err := s.UpsertSubscription(context.Background(), &models.Subscription{ExternalID: "sub_3", Status: "active"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.UserID != nil {
		t.Fatalf("expected nil user id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSubscription_DemotesForStoredOwner(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM public\.subscriptions WHERE external_id = \$1 FOR UPDATE`).
		WithArgs("sub_4").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(`UPDATE public\.subscriptions\s+SET status = 'canceled'`).
		WithArgs("u1", "sub_4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO public\.subscriptions`).
		WillReturnRows(sqlmock.NewRows(subCols).AddRow("id4", "sub_4", "u1", "active", "creator", "monthly",
			int64(0), int64(0), false, int64(3999), "usd", []byte(`{}`), now, now))
	mock.ExpectCommit()

	// resumed event without custom_data.user_id on a row the user already owns
	out, err := s.UpsertSubscription(context.Background(), &models.Subscription{ExternalID: "sub_4", Status: models.StatusActive})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.UserID == nil || *out.UserID != "u1" {
		t.Fatalf("expected owner u1, got %+v", out.UserID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSubscription_InactiveSkipsOwnerLookup(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO public\.subscriptions`).
		WillReturnRows(sqlmock.NewRows(subCols).AddRow("id5", "sub_5", "u1", "canceled", "creator", "monthly",
			int64(0), int64(0), false, int64(0), "usd", []byte(`{}`), now, now))
	mock.ExpectCommit()

	if _, err := s.UpsertSubscription(context.Background(), &models.Subscription{ExternalID: "sub_5", Status: models.StatusCanceled}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSubscription_RollsBackOnConflict(t *testing.T) {
	s, mock := newMock(t)
	uid := "u1"
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.subscriptions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO public\.subscriptions`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.UpsertSubscription(context.Background(), &models.Subscription{ExternalID: "x", UserID: &uid, Status: "active"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetCancelAtPeriodEnd_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE public\.subscriptions\s+SET cancel_at_period_end`).
		WithArgs("sub_x", true).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.SetCancelAtPeriodEnd(context.Background(), "sub_x", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestHasAnySubscription(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := s.HasAnySubscription(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("expected true got %v %v", ok, err)
	}
}

func TestUpsertProfile(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	cols := []string{"id", "email", "full_name", "avatar_url", "onboarding_completed", "niche", "tone",
		"plan_name", "plan_status", "billing_cycle", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery(`INSERT INTO public\.profiles`).
		WithArgs("u1", "a@b.c", sql.NullString{String: "Ann", Valid: true}, sql.NullString{}).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "a@b.c", "Ann", nil, false, nil, nil, nil, nil, nil, false, now, now))
	p, err := s.UpsertProfile(context.Background(), ProfileUpsert{ID: "u1", Email: "a@b.c", FullName: "Ann"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.FullName == nil || *p.FullName != "Ann" || p.AvatarURL != nil {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestListUnreconciledCheckouts(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	cols := []string{"id", "user_id", "price_id", "plan_name", "billing_cycle", "amount", "currency", "status", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT DISTINCT ON \(c\.user_id\) c\.id, c\.user_id`).
		WithArgs("").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("cs_1", "u1", "price_1", "creator", "monthly", int64(3999), "usd", "pending", now, now).
			AddRow("cs_2", "u2", "price_2", "superstar", "yearly", int64(99990), "usd", "completed", now, now))
	out, err := s.ListUnreconciledCheckouts(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[1].ID != "cs_2" {
		t.Fatalf("unexpected %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestArchiveEvent_WrapsInvalidJSON(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs(sqlmock.AnyArg(), "payments", "order_created", "ord_1", []byte(`"not json"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	id, err := s.ArchiveEvent(context.Background(), "payments", "order_created", "ord_1", []byte("not json"))
	if err != nil || id == "" {
		t.Fatalf("archive: %q %v", id, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertPlatformConnection(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	cols := []string{"id", "user_id", "platform", "platform_username", "platform_user_id",
		"follower_count", "engagement_rate", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery(`ON CONFLICT \(user_id, platform\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("pc1", "u1", "instagram", "ann", nil, int64(1200), 3.5, true, now, now))
	out, err := s.UpsertPlatformConnection(context.Background(), &models.PlatformConnection{
		UserID: "u1", Platform: "instagram", PlatformUsername: "ann", FollowerCount: 1200, EngagementRate: 3.5,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out.FollowerCount != 1200 || out.PlatformUserID != nil {
		t.Fatalf("unexpected %+v", out)
	}
}

func TestPlanByPriceID_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM public\.billing_plans WHERE stripe_price_id = \$1`).
		WithArgs("price_x").
		WillReturnError(sql.ErrNoRows)
	if _, err := s.PlanByPriceID(context.Background(), "price_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestPrefixed(t *testing.T) {
	got := prefixed("c", "id, user_id,\n\tstatus")
	if got != "c.id, c.user_id, c.status" {
		t.Fatalf("got %q", got)
	}
}
