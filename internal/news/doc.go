// Package news defines the core types and ports shared by the ingestion
// pipeline: the work queue, the fetch/extract/cluster stages, the orphan
// reconciler and the event bus that connects them.
package news
