package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EnrollRequest struct {
	UserID   snowflake.ID
	CourseID snowflake.ID
}

// Service owns enrollment state. Activate, Cancel and Lock run on the
// caller's transaction so payment settlement and enrollment changes commit together.
type Service interface {
	Enroll(ctx context.Context, req EnrollRequest) (Enrollment, error)
	Get(ctx context.Context, id snowflake.ID) (Enrollment, error)
	Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Enrollment, error)
	Activate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Transition, error)
	Cancel(ctx context.Context, tx *gorm.DB, id snowflake.ID) (Transition, error)
	// Notify runs registered hooks for a committed transition.
	Notify(ctx context.Context, transition Transition)
}

// TransitionHook observes committed enrollment status changes.
type TransitionHook interface {
	OnEnrollmentTransition(ctx context.Context, transition Transition)
}

type TransitionHookFunc func(ctx context.Context, transition Transition)

func (f TransitionHookFunc) OnEnrollmentTransition(ctx context.Context, transition Transition) {
	f(ctx, transition)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidCourse     = errors.New("invalid_course")
	ErrNotFound          = errors.New("enrollment_not_found")
	ErrAlreadyEnrolled   = errors.New("already_enrolled")
	ErrInvalidTransition = errors.New("invalid_enrollment_transition")
)
