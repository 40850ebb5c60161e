// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Height is the last successfully read desk height in inches
	Height = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "desk_height_inches",
			Help: "Last successfully read desk height (inches)",
		},
	)

	// Moving indicates the inferred movement state
	Moving = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "desk_moving",
			Help: "Desk inferred to be moving (1) or idle (0)",
		},
	)

	// Connected indicates the combined bus+serial liveness indicator
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "desk_connected",
			Help: "Bus and serial link both up (1) or not (0)",
		},
	)

	// TransactionsTotal counts controller transactions by result
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_transactions_total",
			Help: "Total controller transactions by result",
		},
		[]string{"result"},
	)

	// RetriesTotal counts local retries after timeout/garbage failures
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "desk_transaction_retries_total",
			Help: "Total local retries of failed transactions",
		},
	)

	// DiscardedBytes counts bus noise bytes discarded during resync
	DiscardedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "desk_discarded_bytes_total",
			Help: "Total noise bytes discarded while resynchronizing",
		},
	)

	// CommandsTotal counts inbound commands by name
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_commands_total",
			Help: "Total inbound commands by name",
		},
		[]string{"command"},
	)

	// ErrorsTotal counts rejected commands by name
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_command_errors_total",
			Help: "Total rejected commands by name",
		},
		[]string{"command"},
	)
)

// SetMoving updates the movement metric
func SetMoving(moving bool) {
	if moving {
		Moving.Set(1)
	} else {
		Moving.Set(0)
	}
}

// SetConnected updates the liveness metric
func SetConnected(connected bool) {
	if connected {
		Connected.Set(1)
	} else {
		Connected.Set(0)
	}
}

// ObserveTransaction counts a transaction under its result label.
// Labels mirror the engine's error taxonomy: ok, timeout, garbage,
// exception, io.
func ObserveTransaction(result string) {
	TransactionsTotal.WithLabelValues(result).Inc()
}
