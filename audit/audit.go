// Package audit records jobs created by something other than a direct API
// call, e.g. the derived job a redirected response spawns, or a job enqueued
// by a database trigger.
package audit

import (
	"log"

	types "github.com/Shyp/go-types"
)

// A Sink receives one record per spawned job.
type Sink interface {
	// RecordSpawn notes that child was created on behalf of parent. source
	// names the mechanism ("redirect", "trigger").
	RecordSpawn(parent, child types.PrefixUUID, source string)
}

// LogSink writes spawn records to the process log.
type LogSink struct{}

func (LogSink) RecordSpawn(parent, child types.PrefixUUID, source string) {
	log.Printf("audit: job %s spawned %s (%s)", parent.String(), child.String(), source)
}

// Default is the sink used when nothing else is configured.
var Default Sink = LogSink{}
