// Package core defines the domain model shared by every stage of the Warden
// detection pipeline.
//
// # Pipeline
//
// A raw activity event travels through the following stages, each owned by its
// own package:
//
//	ingest  -> threat (enrichment) -> detect (patterns, correlation, anomaly rules)
//	        -> detect (severity) -> soar (actions) -> escalation -> storage
//
// core holds the types exchanged between those stages (SecurityEvent,
// EnrichedEvent, Threat, Severity, Action, BlockedEntity, Alert, EvidenceBundle),
// the sentinel errors of the error taxonomy and the small interfaces through
// which the pipeline reaches external collaborators (identity store, IP
// reputation, login history, persistence sink, notification transport and the
// incident escalation service).
//
// Interfaces follow the usual rules:
//  1. Small and focused, defined next to the types they exchange
//  2. context.Context as first parameter on anything that blocks
//  3. Absence is reported with ErrNotFound, never with a nil error and nil value
package core
