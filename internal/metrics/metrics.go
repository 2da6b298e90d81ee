package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the signin counters. A nil *Recorder records nothing.
type Recorder struct {
	signinOutcomes  *prometheus.CounterVec
	mfaOutcomes     *prometheus.CounterVec
	refreshOutcomes *prometheus.CounterVec
	lockouts        prometheus.Counter
	theftDetections prometheus.Counter
	smsSends        *prometheus.CounterVec
	rateLimitErrors *prometheus.CounterVec
}

// New creates the counters and registers them with reg
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		signinOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_signin_outcomes_total",
			Help: "Signin attempts by terminal outcome.",
		}, []string{"outcome"}),
		mfaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_mfa_outcomes_total",
			Help: "MFA verify and resend requests by outcome.",
		}, []string{"operation", "outcome"}),
		refreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_refresh_outcomes_total",
			Help: "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_lockouts_total",
			Help: "Accounts locked after repeated credential failures.",
		}),
		theftDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_refresh_theft_detections_total",
			Help: "Refresh token families revoked after reuse of a superseded token.",
		}),
		smsSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sms_sends_total",
			Help: "SMS code deliveries by result.",
		}, []string{"result"}),
		rateLimitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_rate_limit_store_errors_total",
			Help: "Rate limit store failures by scope.",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		r.signinOutcomes,
		r.mfaOutcomes,
		r.refreshOutcomes,
		r.lockouts,
		r.theftDetections,
		r.smsSends,
		r.rateLimitErrors,
	)
	return r
}

func (r *Recorder) SigninOutcome(outcome string) {
	if r == nil {
		return
	}
	r.signinOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) MFAOutcome(operation, outcome string) {
	if r == nil {
		return
	}
	r.mfaOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) RefreshOutcome(outcome string) {
	if r == nil {
		return
	}
	r.refreshOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) LockoutTriggered() {
	if r == nil {
		return
	}
	r.lockouts.Inc()
}

func (r *Recorder) TheftDetected() {
	if r == nil {
		return
	}
	r.theftDetections.Inc()
}

// SMSSend records a delivery attempt; result is "sent" or "failed"
func (r *Recorder) SMSSend(result string) {
	if r == nil {
		return
	}
	r.smsSends.WithLabelValues(result).Inc()
}

func (r *Recorder) RateLimitStoreError(scope string) {
	if r == nil {
		return
	}
	r.rateLimitErrors.WithLabelValues(scope).Inc()
}
