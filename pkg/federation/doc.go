// Package federation holds the shared trust and event substrate of a node
// and the machinery that keeps it in step with peers.
//
// TrustStore is the persisted peer registry with trust scores, the bounded
// consensus history and the trust audit trail. EventLog is the append-only,
// content-addressed local log. SyncManager pulls remote logs through a
// Transport (file export, HTTP or gRPC), diffs them against the local log,
// validates new events and appends the accepted ones.
//
// Events are validated one of three ways:
//
//   - kinds listed as quorum kinds require a locally verified anchor whose
//     hash equals the event reference
//   - other kinds reported by at least MinParticipants peers go through a
//     hash-majority consensus round
//   - anything else falls back to a trust-score gate on the sending peer,
//     which is a lower-assurance path and is logged as a trust boundary
package federation
