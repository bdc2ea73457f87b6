package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, enrollment *Enrollment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Enrollment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Enrollment, error)
	FindByUserCourse(ctx context.Context, db *gorm.DB, userID, courseID snowflake.ID) (*Enrollment, error)
	// CompareAndSetStatus moves the enrollment from one status to another and
	// reports whether this call performed the change.
	CompareAndSetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to EnrollmentStatus, now time.Time) (bool, error)
}
