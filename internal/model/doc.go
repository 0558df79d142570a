// Package model defines the persisted entities of the sync engine:
// records, queue items and conflicts, together with their state machines.
package model
