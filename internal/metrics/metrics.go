package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HubFramesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classroom_hub_frames_published_total",
		Help: "Frames published on realtime channels",
	})

	HubFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classroom_hub_frames_dropped_total",
		Help: "Frames dropped because a member queue was full",
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classroom_hub_clients",
		Help: "Clients currently connected to the hub",
	})

	HubPresenceMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "classroom_hub_presence_members",
		Help: "Members holding presence per channel",
	}, []string{"channel"})

	PeerLinkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_peer_link_transitions_total",
		Help: "Peer link negotiation state transitions",
	}, []string{"to"})

	ReducerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_reducer_events_total",
		Help: "Session state events applied by the reducer",
	}, []string{"event"})

	ReducerEventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_reducer_events_rejected_total",
		Help: "Session state events dropped at decode",
	}, []string{"event"})

	QuizAwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_quiz_awards_total",
		Help: "Quiz award calls by outcome",
	}, []string{"outcome"})
)
