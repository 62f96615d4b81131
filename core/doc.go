// Package core contains the canonical relay domain model, the key layout,
// store and component contracts, and the Service that orchestrates ingest,
// delivery, metering and billing. Adapters depend on core; core never imports
// them.
package core
