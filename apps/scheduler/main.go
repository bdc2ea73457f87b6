package main

import (
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/course"
	"github.com/smallbiznis/coursepay/internal/enrollment"
	"github.com/smallbiznis/coursepay/internal/idgen"
	"github.com/smallbiznis/coursepay/internal/observability"
	"github.com/smallbiznis/coursepay/internal/payment"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"github.com/smallbiznis/coursepay/internal/scheduler"
	"github.com/smallbiznis/coursepay/pkg/db"
	"go.uber.org/fx"
)

// The sweeper runs without the HTTP server so it can scale separately.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		idgen.Module,
		db.Module,
		clock.Module,

		// Services the sweeper settles through.
		course.Module,
		enrollment.Module,
		ratelimit.Module,
		payment.Module,

		scheduler.Module,
	)
	app.Run()
}
