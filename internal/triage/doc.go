// Package triage provides the business boundary for Warden's alert triage
// engine. It defines the Service (intake, enrichment, scoring, async
// dispatch), the Store interface (persistence for alerts, assessments, and
// workflow state), and the pipeline metrics.
package triage
