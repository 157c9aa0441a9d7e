// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flux",
		Subsystem: "hub",
		Name:      "connected_peers",
		Help:      "Number of currently connected peers.",
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flux",
		Subsystem: "hub",
		Name:      "active_sessions",
		Help:      "Number of live P2P sessions.",
	})
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flux",
		Subsystem: "hub",
		Name:      "messages_total",
		Help:      "Inbound control messages by type.",
	}, []string{"type"})
)
