// Package fields provides the dynamic value model for entity records.
//
// Records are intentionally untyped: entity shapes vary per entity type and
// the diff and merge algorithms operate uniformly over this value model.
// This package imports nothing internal.
//
// Key properties:
//   - Value is sealed; only the kinds declared here implement it
//   - Equal is structural and treats 5 and 5.0 as the same number
//   - MarshalCanonical is deterministic and is the only persisted encoding
package fields
