package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EnrollmentStatus string

const (
	EnrollmentStatusPending  EnrollmentStatus = "PENDING"
	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCanceled EnrollmentStatus = "CANCELED"
)

type Enrollment struct {
	ID        snowflake.ID     `gorm:"primaryKey" json:"id"`
	UserID    snowflake.ID     `gorm:"not null;uniqueIndex:ux_enrollments_user_course" json:"user_id"`
	CourseID  snowflake.ID     `gorm:"not null;uniqueIndex:ux_enrollments_user_course" json:"course_id"`
	Status    EnrollmentStatus `gorm:"type:text;not null" json:"status"`
	Progress  int              `gorm:"not null;default:0" json:"progress"`
	CreatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Enrollment) TableName() string { return "enrollments" }

// Transition describes the outcome of an Activate or Cancel call.
// From equals To when the call was a no-op.
type Transition struct {
	EnrollmentID snowflake.ID
	From         EnrollmentStatus
	To           EnrollmentStatus
}

func (t Transition) Changed() bool {
	return t.From != t.To
}
