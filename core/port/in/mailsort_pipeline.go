// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"mailsort_daemon/core/domain"
)

// ClassifyQueuePort is the entry point for message producers: the IMAP
// listener, the bulk sweep driver, and the duplex server all feed envelopes
// through it. Enqueue is safe to call from any goroutine and never blocks.
type ClassifyQueuePort interface {
	Enqueue(env *domain.Envelope)
	Counters() PipelineCounters
}

// PipelineCounters is a snapshot of the pipeline's progress counters.
type PipelineCounters struct {
	Imported    int `json:"imported"`
	Classified  int `json:"classified"`
	Transferred int `json:"transferred"`
	Failed      int `json:"failed"`
	Junk        int `json:"junk"`
	QueueDepth  int `json:"queue_depth"`
}
