// Package events is the engine's notification layer.
//
// The queue processor and conflict resolver publish typed events; UI
// collaborators subscribe. The engine never waits on subscribers.
package events
