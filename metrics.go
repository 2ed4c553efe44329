package peerrpc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSendCount           = []string{"peerrpc", "send", "count"}
	MetricSendErrorCount      = []string{"peerrpc", "send", "error", "count"}
	MetricRecvCount           = []string{"peerrpc", "recv", "count"}
	MetricRequestTimeoutCount = []string{"peerrpc", "request", "timeout", "count"}
	MetricResponseLateCount   = []string{"peerrpc", "response", "late", "count"}
	MetricRequestLatency      = []string{"peerrpc", "request", "latency", "ms"}
	MetricPoolQueueDepth      = []string{"peerrpc", "pool", "queue", "depth"}

	MetricTransportFrameInBytes     = []string{"peerrpc", "transport", "frame", "in", "bytes"}
	MetricTransportFrameOutBytes    = []string{"peerrpc", "transport", "frame", "out", "bytes"}
	MetricTransportFrameErrorCount  = []string{"peerrpc", "transport", "frame", "error", "count"}
	MetricTransportStreamInCount    = []string{"peerrpc", "transport", "stream", "in", "count"}
	MetricTransportStreamOutCount   = []string{"peerrpc", "transport", "stream", "out", "count"}
	MetricTransportStreamErrorCount = []string{"peerrpc", "transport", "stream", "error", "count"}
	MetricTransportConnEstCount     = []string{"peerrpc", "transport", "connection", "established", "count"}
	MetricTransportConnErrorCount   = []string{"peerrpc", "transport", "connection", "error", "count"}
	MetricTransportUDPBufferSize    = []string{"peerrpc", "transport", "udp", "buffer", "size", "bytes"}
	MetricDiscoveryMembersCount     = []string{"peerrpc", "discovery", "members", "count"}
	MetricDiscoveryInvalidMetaCount = []string{"peerrpc", "discovery", "meta", "invalid", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelPeerRank    TelemetryLabel = "peer_rank"
	LabelWorkerName  TelemetryLabel = "worker_name"
	LabelRequestID   TelemetryLabel = "request_id"
	LabelMessageType TelemetryLabel = "message_type"
	LabelDirection   TelemetryLabel = "direction"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels appends labels to the static ones without aliasing them.
func withLabels(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	merged := make([]metrics.Label, 0, len(static)+len(labels))
	merged = append(merged, static...)
	return append(merged, labels...)
}
