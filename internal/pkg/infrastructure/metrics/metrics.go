package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_gateway_ticks_total",
			Help: "Total number of subscription ticks by result",
		},
		[]string{"result"},
	)

	tickFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_gateway_tick_failures_total",
			Help: "Total number of failed subscription ticks by error category",
		},
		[]string{"reason"},
	)

	activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opcua_gateway_active_subscriptions",
			Help: "Number of subscriptions with a running polling loop",
		},
	)

	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opcua_gateway_connected",
			Help: "1 while a session to the OPC UA server is established",
		},
	)

	connectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_gateway_connect_attempts_total",
			Help: "Total number of connection attempts by result category",
		},
		[]string{"result"},
	)

	connectionLossesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opcua_gateway_connection_losses_total",
			Help: "Total number of detected connection drops",
		},
	)

	recordedValuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_gateway_recorded_values_total",
			Help: "Total number of recorded values by result",
		},
		[]string{"result"},
	)
)

//Handler returns the http handler exposing all registered collectors
func Handler() http.Handler {
	return promhttp.Handler()
}

//RecordTick counts one subscription tick and, on failure, its error category
func RecordTick(err error) {
	if err == nil {
		ticksTotal.WithLabelValues("ok").Inc()
		return
	}

	ticksTotal.WithLabelValues("error").Inc()
	tickFailuresTotal.WithLabelValues(reason(err)).Inc()
}

//SetActiveSubscriptions publishes the number of running polling loops
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

//SetConnected publishes the session state
func SetConnected(isConnected bool) {
	if isConnected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

//RecordConnectAttempt counts one connection attempt
func RecordConnectAttempt(err error) {
	if err == nil {
		connectAttemptsTotal.WithLabelValues("ok").Inc()
		return
	}
	connectAttemptsTotal.WithLabelValues(reason(err)).Inc()
}

//RecordConnectionLoss counts one dropped connection
func RecordConnectionLoss() {
	connectionLossesTotal.Inc()
}

//RecordValueStored counts one recorded value write
func RecordValueStored(err error) {
	if err == nil {
		recordedValuesTotal.WithLabelValues("ok").Inc()
		return
	}
	recordedValuesTotal.WithLabelValues("error").Inc()
}

//RecordValueDropped counts a value that never reached the store
func RecordValueDropped() {
	recordedValuesTotal.WithLabelValues("dropped").Inc()
}

func reason(err error) string {
	if c := apierr.Classify(err); c != "" {
		return string(c)
	}
	return "other"
}

//Reset clears all vector metrics (for testing)
func Reset() {
	ticksTotal.Reset()
	tickFailuresTotal.Reset()
	connectAttemptsTotal.Reset()
	recordedValuesTotal.Reset()
	activeSubscriptions.Set(0)
	connected.Set(0)
}
