package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/coursepay/internal/clock"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	courserepo "github.com/smallbiznis/coursepay/internal/course/repository"
	"github.com/smallbiznis/coursepay/internal/enrollment/domain"
	"github.com/smallbiznis/coursepay/internal/enrollment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

type testEnv struct {
	db          *gorm.DB
	node        *snowflake.Node
	svc         domain.Service
	transitions []domain.Transition
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:enrollment_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&coursedomain.Course{}, &domain.Enrollment{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	env := &testEnv{db: db, node: node}
	env.svc = New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)),
		Repo:       repository.Provide(),
		CourseRepo: courserepo.Provide(),
		Hooks: []domain.TransitionHook{domain.TransitionHookFunc(func(ctx context.Context, tr domain.Transition) {
			env.transitions = append(env.transitions, tr)
		})},
	})
	return env
}

func (e *testEnv) course(t *testing.T, price int64) snowflake.ID {
	t.Helper()
	c := coursedomain.Course{ID: e.node.Generate(), Title: "Course", Price: decimal.NewFromInt(price)}
	require.NoError(t, e.db.Create(&c).Error)
	return c.ID
}

func TestEnrollPricedCourseStartsPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.node.Generate()

	enrollment, err := env.svc.Enroll(ctx, domain.EnrollRequest{UserID: user, CourseID: env.course(t, 499000)})
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStatusPending, enrollment.Status)
	assert.Empty(t, env.transitions)

	_, err = env.svc.Enroll(ctx, domain.EnrollRequest{UserID: user, CourseID: enrollment.CourseID})
	assert.ErrorIs(t, err, domain.ErrAlreadyEnrolled)
}

func TestEnrollFreeCourseIsActive(t *testing.T) {
	env := newTestEnv(t)

	enrollment, err := env.svc.Enroll(context.Background(), domain.EnrollRequest{
		UserID:   env.node.Generate(),
		CourseID: env.course(t, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStatusActive, enrollment.Status)
	require.Len(t, env.transitions, 1)
	assert.Equal(t, domain.EnrollmentStatus(""), env.transitions[0].From)
	assert.Equal(t, domain.EnrollmentStatusActive, env.transitions[0].To)
}

func TestEnrollValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enroll(ctx, domain.EnrollRequest{CourseID: env.course(t, 1000)})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = env.svc.Enroll(ctx, domain.EnrollRequest{UserID: env.node.Generate()})
	assert.ErrorIs(t, err, domain.ErrInvalidCourse)

	_, err = env.svc.Enroll(ctx, domain.EnrollRequest{UserID: env.node.Generate(), CourseID: env.node.Generate()})
	assert.ErrorIs(t, err, coursedomain.ErrNotFound)
}

func TestActivateIsIdempotentAndMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enrollment, err := env.svc.Enroll(ctx, domain.EnrollRequest{UserID: env.node.Generate(), CourseID: env.course(t, 1000)})
	require.NoError(t, err)

	tr, err := env.svc.Activate(ctx, env.db, enrollment.ID)
	require.NoError(t, err)
	assert.True(t, tr.Changed())

	tr, err = env.svc.Activate(ctx, env.db, enrollment.ID)
	require.NoError(t, err)
	assert.False(t, tr.Changed())

	tr, err = env.svc.Cancel(ctx, env.db, enrollment.ID)
	require.NoError(t, err)
	assert.False(t, tr.Changed())

	stored, err := env.svc.Get(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStatusActive, stored.Status)
}

func TestActivateCanceledEnrollmentIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enrollment, err := env.svc.Enroll(ctx, domain.EnrollRequest{UserID: env.node.Generate(), CourseID: env.course(t, 1000)})
	require.NoError(t, err)

	tr, err := env.svc.Cancel(ctx, env.db, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStatusCanceled, tr.To)

	_, err = env.svc.Activate(ctx, env.db, enrollment.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.svc.Activate(ctx, env.db, env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotifySkipsNoOpTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := env.node.Generate()

	env.svc.Notify(context.Background(), domain.Transition{EnrollmentID: id, From: domain.EnrollmentStatusActive, To: domain.EnrollmentStatusActive})
	assert.Empty(t, env.transitions)

	env.svc.Notify(context.Background(), domain.Transition{EnrollmentID: id, From: domain.EnrollmentStatusPending, To: domain.EnrollmentStatusActive})
	assert.Len(t, env.transitions, 1)
}
