package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Course is the read-only view of a catalog course needed to price an enrollment.
type Course struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	Title     string          `gorm:"not null" json:"title"`
	Price     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"price"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Course) TableName() string { return "courses" }

// IsFree reports whether enrolling requires no payment.
func (c Course) IsFree() bool {
	return !c.Price.IsPositive()
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Course, error)
}

var ErrNotFound = errors.New("course_not_found")
