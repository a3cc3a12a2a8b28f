package health

import (
	"net/http"
	"runtime"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可被健康检查探活的依赖。
type Pinger interface {
	Ping() error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	// goroutine 泄漏保护
	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(2000))

	return hc
}

// AddReadinessPinger 添加一个可探活依赖（Redis、归档库）。
func (hc *HealthChecker) AddReadinessPinger(name string, p Pinger) {
	hc.health.AddReadinessCheck(name, func() error {
		if err := p.Ping(); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// AddReadinessCheck 添加自定义就绪检查。
func (hc *HealthChecker) AddReadinessCheck(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器（/live 与 /ready）。
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// GoroutineCount 当前 goroutine 数，暴露给状态接口。
func GoroutineCount() int {
	return runtime.NumGoroutine()
}
