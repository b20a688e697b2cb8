// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines the Prometheus instruments exported by the
// segment store and the shuffle transport. Instruments are registered
// with the default registry when the package is initialized.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bigshuffle"

// Segment storage.
var (
	SegmentsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hgkv",
		Name:      "segments_written_total",
		Help:      "Number of segment files sealed.",
	})
	EntriesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hgkv",
		Name:      "entries_written_total",
		Help:      "Number of entries written to sealed segments.",
	})
	SegmentBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hgkv",
		Name:      "bytes_written_total",
		Help:      "Number of bytes written to sealed segments.",
	})
)

// Combining and spilling.
var (
	Spills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sortio",
		Name:      "spills_total",
		Help:      "Number of in-memory buffers spilled to disk.",
	})
	SpillBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sortio",
		Name:      "spill_bytes_total",
		Help:      "Number of buffered entry bytes spilled to disk.",
	})
	EntriesCombined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sortio",
		Name:      "entries_combined_total",
		Help:      "Number of entries folded into another entry with the same key.",
	})
)

// Transport.
var (
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_sent_total",
		Help:      "Number of frames written, by message type.",
	}, []string{"type"})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_received_total",
		Help:      "Number of frames read, by message type.",
	}, []string{"type"})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "bytes_sent_total",
		Help:      "Number of frame bytes written.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "bytes_received_total",
		Help:      "Number of frame bytes read.",
	})
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "active_channels",
		Help:      "Number of active connections.",
	})
	Unwritable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "unwritable_total",
		Help:      "Number of times a channel crossed its high write watermark.",
	})
	ChannelFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "faults_total",
		Help:      "Number of channels closed because of an error.",
	})
	DialRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "dial_retries_total",
		Help:      "Number of failed connection attempts that were retried.",
	})
)

// Shuffle.
var (
	EntriesShuffled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shuffle",
		Name:      "entries_total",
		Help:      "Number of entries shuffled, by direction.",
	}, []string{"direction"})
)
