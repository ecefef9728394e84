// Package events publishes task and stage lifecycle changes to NATS so
// external consumers can follow progress without polling the API.
package events
