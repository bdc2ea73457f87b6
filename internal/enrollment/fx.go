package enrollment

import (
	"context"

	"github.com/smallbiznis/coursepay/internal/enrollment/domain"
	"github.com/smallbiznis/coursepay/internal/enrollment/repository"
	"github.com/smallbiznis/coursepay/internal/enrollment/service"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("enrollment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		fx.Annotate(
			newMetricsHook,
			fx.ResultTags(`group:"enrollment_hooks"`),
		),
	),
)

func newMetricsHook(m *obsmetrics.Metrics) domain.TransitionHook {
	return domain.TransitionHookFunc(func(ctx context.Context, t domain.Transition) {
		m.RecordEnrollmentTransition(ctx, string(t.From), string(t.To))
	})
}
