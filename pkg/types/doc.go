/*
Package types defines the core data structures shared by every component
of the order polling bridge.

This package contains the five persisted/in-memory entities from the data
model — Connection, SentOrder, RetryItem, SyncLog, and EnvelopeItem — plus
the typed upstream records (OrderRecord, Partner, OrderLine, Product,
Template, AttributeValue) that the Worker parses the UpstreamClient's raw
JSON records into before the Mapper touches them.

# Architecture

Types in this package are designed to be:
  - Serializable (JSON for the outbound envelope and the RetryItem payload)
  - Self-documenting (clear field names, enums as named string types)
  - Validated at the boundary (BreakerState.Valid, RetryStatus constants)

Credential fields on Connection (APIKey, WebhookSecret) are always
cleartext at this layer; encryption at rest is applied and removed by the
Store, never by callers of this package.
*/
package types
