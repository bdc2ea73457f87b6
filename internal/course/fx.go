package course

import (
	"github.com/smallbiznis/coursepay/internal/course/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("course.repository",
	fx.Provide(repository.Provide),
)
