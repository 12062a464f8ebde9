// Package metrics wraps the Prometheus collectors exported by a replica.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds one replica's collectors.  Each replica owns a private
// prometheus registry so several replicas can share a test process.
type Registry struct {
	reg *prometheus.Registry

	CommandsHandled   *prometheus.CounterVec
	MessagesQueued    prometheus.Counter
	MessagesInline    prometheus.Counter
	UpdatesBroadcast  prometheus.Counter
	UpdatesApplied    prometheus.Counter
	ElectionsStarted  prometheus.Counter
	ElectionsWon      prometheus.Counter
	OnlineSessions    prometheus.Gauge
	RolePrimary       prometheus.Gauge
}

// NewRegistry creates the replica's Prometheus collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Registry{
		reg: reg,
		CommandsHandled: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "replchat_commands_handled_total",
			Help: "Client commands handled, labelled by command tag",
		}, []string{"cmd"}),
		MessagesQueued: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_messages_queued_total",
			Help: "Messages persisted to an offline recipient's queue",
		}),
		MessagesInline: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_messages_inline_total",
			Help: "Messages delivered inline to an online recipient",
		}),
		UpdatesBroadcast: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_data_updates_broadcast_total",
			Help: "DATA_UPDATE messages broadcast to peers as PRIMARY",
		}),
		UpdatesApplied: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_data_updates_applied_total",
			Help: "DATA_UPDATE messages applied from the PRIMARY as BACKUP",
		}),
		ElectionsStarted: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_elections_started_total",
			Help: "Elections this replica has initiated",
		}),
		ElectionsWon: auto.NewCounter(prometheus.CounterOpts{
			Name: "replchat_elections_won_total",
			Help: "Elections this replica has won",
		}),
		OnlineSessions: auto.NewGauge(prometheus.GaugeOpts{
			Name: "replchat_online_sessions",
			Help: "Currently logged-in client sessions",
		}),
		RolePrimary: auto.NewGauge(prometheus.GaugeOpts{
			Name: "replchat_role_primary",
			Help: "1 while this replica is the PRIMARY, 0 otherwise",
		}),
	}
}

// Handler returns an HTTP handler exposing this replica's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
