package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	"github.com/smallbiznis/coursepay/internal/enrollment/domain"
	"github.com/smallbiznis/coursepay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	CourseRepo coursedomain.Repository
	Hooks      []domain.TransitionHook `group:"enrollment_hooks"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	courseRepo coursedomain.Repository
	hooks      []domain.TransitionHook
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("enrollment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		courseRepo: p.CourseRepo,
		hooks:      p.Hooks,
	}
}

// Enroll creates the enrollment PENDING for a priced course and ACTIVE for a free one.
func (s *Service) Enroll(ctx context.Context, req domain.EnrollRequest) (domain.Enrollment, error) {
	if req.UserID == 0 {
		return domain.Enrollment{}, domain.ErrInvalidUser
	}
	if req.CourseID == 0 {
		return domain.Enrollment{}, domain.ErrInvalidCourse
	}

	course, err := s.courseRepo.FindByID(ctx, s.db, req.CourseID)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if course == nil {
		return domain.Enrollment{}, coursedomain.ErrNotFound
	}

	existing, err := s.repo.FindByUserCourse(ctx, s.db, req.UserID, req.CourseID)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if existing != nil {
		return domain.Enrollment{}, domain.ErrAlreadyEnrolled
	}

	status := domain.EnrollmentStatusPending
	if course.IsFree() {
		status = domain.EnrollmentStatusActive
	}

	now := s.clock.Now()
	enrollment := domain.Enrollment{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		CourseID:  req.CourseID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, &enrollment); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Enrollment{}, domain.ErrAlreadyEnrolled
		}
		return domain.Enrollment{}, err
	}

	// Free enrollments start ACTIVE; hooks see them with an empty From.
	if status == domain.EnrollmentStatusActive {
		s.Notify(ctx, domain.Transition{EnrollmentID: enrollment.ID, To: status})
	}
	return enrollment, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if enrollment == nil {
		return domain.Enrollment{}, domain.ErrNotFound
	}
	return *enrollment, nil
}

func (s *Service) Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Enrollment, error) {
	enrollment, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if enrollment == nil {
		return domain.Enrollment{}, domain.ErrNotFound
	}
	return *enrollment, nil
}

// Activate moves PENDING to ACTIVE. ACTIVE is a no-op; CANCELED is rejected.
func (s *Service) Activate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Transition, error) {
	changed, err := s.repo.CompareAndSetStatus(ctx, tx, id, domain.EnrollmentStatusPending, domain.EnrollmentStatusActive, s.clock.Now())
	if err != nil {
		return domain.Transition{}, fmt.Errorf("activate enrollment: %w", err)
	}
	if changed {
		return domain.Transition{EnrollmentID: id, From: domain.EnrollmentStatusPending, To: domain.EnrollmentStatusActive}, nil
	}

	current, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return domain.Transition{}, err
	}
	if current == nil {
		return domain.Transition{}, domain.ErrNotFound
	}
	switch current.Status {
	case domain.EnrollmentStatusActive:
		return domain.Transition{EnrollmentID: id, From: current.Status, To: current.Status}, nil
	default:
		return domain.Transition{}, domain.ErrInvalidTransition
	}
}

// Cancel moves PENDING to CANCELED. ACTIVE and CANCELED enrollments are left as they are.
func (s *Service) Cancel(ctx context.Context, tx *gorm.DB, id snowflake.ID) (domain.Transition, error) {
	changed, err := s.repo.CompareAndSetStatus(ctx, tx, id, domain.EnrollmentStatusPending, domain.EnrollmentStatusCanceled, s.clock.Now())
	if err != nil {
		return domain.Transition{}, fmt.Errorf("cancel enrollment: %w", err)
	}
	if changed {
		return domain.Transition{EnrollmentID: id, From: domain.EnrollmentStatusPending, To: domain.EnrollmentStatusCanceled}, nil
	}

	current, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return domain.Transition{}, err
	}
	if current == nil {
		return domain.Transition{}, domain.ErrNotFound
	}
	return domain.Transition{EnrollmentID: id, From: current.Status, To: current.Status}, nil
}

func (s *Service) Notify(ctx context.Context, transition domain.Transition) {
	if !transition.Changed() {
		return
	}
	s.log.Info("enrollment transitioned",
		zap.String("enrollment_id", transition.EnrollmentID.String()),
		zap.String("from", string(transition.From)),
		zap.String("to", string(transition.To)),
	)
	for _, hook := range s.hooks {
		if hook == nil {
			continue
		}
		hook.OnEnrollmentTransition(ctx, transition)
	}
}
