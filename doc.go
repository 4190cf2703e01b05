// Package canton holds the shared domain types of the priority-token
// gateway: the platform's token records, eligibility verdicts, and the error
// taxonomy the entry point maps onto transport statuses.
//
// The subsystems live in subpackages: auth (bearer credential lifecycle),
// client (idempotent issuance against the platform API), eligibility
// (snapshot-block verdicts), and server (the inbound HTTP surface).
package canton
