package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for signInOutcomes.
const (
	outcomeSuccess  = "success"
	outcomeDenied   = "denied"
	outcomeForgery  = "forgery"
	outcomeProtocol = "protocol"
	outcomeFetch    = "fetch"
)

var signInOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "twitch_session_sign_in_total",
	Help: "Sign-in attempts by outcome",
}, []string{"outcome"})

var signInShared = promauto.NewCounter(prometheus.CounterOpts{
	Name: "twitch_session_sign_in_shared_total",
	Help: "SignIn calls whose result was shared with concurrent callers",
})

var signInDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "twitch_session_sign_in_duration_seconds",
	Help:    "Wall time of sign-in attempts, including the redirect wait",
	Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
})

var signOuts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "twitch_session_sign_out_total",
	Help: "Sign-outs by revocation result",
}, []string{"revocation"})

func (k ErrorKind) outcome() string {
	switch k {
	case KindForgery:
		return outcomeForgery
	case KindFetch:
		return outcomeFetch
	default:
		return outcomeProtocol
	}
}
