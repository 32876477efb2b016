package observability

import "github.com/prometheus/client_golang/prometheus"

// Billing collectors. Label values are bounded enums (transaction type,
// outcome, event type) so cardinality stays small.
var (
	// WalletMutations counts applied wallet changes by transaction type.
	WalletMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_wallet_mutations_total",
			Help: "Wallet transactions applied, by type.",
		},
		[]string{"type"},
	)

	// WalletMicros sums absolute micros moved by transaction type.
	WalletMicros = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_wallet_micros_total",
			Help: "Absolute micros moved through wallets, by transaction type.",
		},
		[]string{"type"},
	)

	// MeteredRequests counts metered requests by terminal outcome.
	MeteredRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_metered_requests_total",
			Help: "Metered requests by outcome.",
		},
		[]string{"outcome"},
	)

	// AutoRecharges counts auto-recharge attempts by result.
	AutoRecharges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_auto_recharge_attempts_total",
			Help: "Auto-recharge attempts by result.",
		},
		[]string{"result"},
	)

	// WebhookEvents counts provider webhook deliveries by event type and result.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Payment provider webhook deliveries by type and result.",
		},
		[]string{"type", "result"},
	)

	// MaintenanceRemoved counts records purged by scheduled maintenance.
	MaintenanceRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_maintenance_removed_total",
			Help: "Records removed by maintenance jobs, by task.",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(WalletMutations, WalletMicros, MeteredRequests, AutoRecharges, WebhookEvents, MaintenanceRemoved)
}
