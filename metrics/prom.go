package metrics

import (
	"errors"
	"net/http"

	"github.com/NumminorihSF/rabbitmq-herald-client/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PropMetricsEnabled = "herald.metrics.enabled"
	PropMetricsRoute   = "herald.metrics.route"
)

func init() {
	config.SetDefProp(PropMetricsEnabled, true)
	config.SetDefProp(PropMetricsRoute, "/metrics")
}

func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// Register the prometheus handler on engine at path.
func Route(engine *gin.Engine, path string) {
	h := PrometheusHandler()
	engine.GET(path, func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	})
}

// Register collector to the default registerer.
//
// If an equal collector is registered already, the existing one is returned instead.
// Any other registration error panics.
func GetOrRegister[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
