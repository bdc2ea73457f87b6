package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	"gorm.io/gorm"
)

type sampleCourse struct {
	Title string
	Price int64
}

// sampleCourses is the development catalog. Prices are VND; the free course
// exercises the no-payment enrollment path.
var sampleCourses = []sampleCourse{
	{Title: "Go for Payments Engineers", Price: 499000},
	{Title: "Distributed Systems Fundamentals", Price: 250000},
	{Title: "Kubernetes in Practice", Price: 120000},
	{Title: "Intro to Programming", Price: 0},
}

// EnsureSampleCourses seeds the development course catalog. Courses are
// matched by title, so repeated startups do not duplicate rows.
func EnsureSampleCourses(db *gorm.DB, nodeID int64) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	created := 0
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sample := range sampleCourses {
			ok, err := ensureCourseTx(ctx, tx, node, sample)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func ensureCourseTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, sample sampleCourse) (bool, error) {
	var course coursedomain.Course
	err := tx.WithContext(ctx).Where("title = ?", sample.Title).First(&course).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	now := time.Now().UTC()
	course = coursedomain.Course{
		ID:        node.Generate(),
		Title:     sample.Title,
		Price:     decimal.NewFromInt(sample.Price),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&course).Error; err != nil {
		return false, err
	}
	return true, nil
}
