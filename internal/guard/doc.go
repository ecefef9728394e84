// Package guard arbitrates GPU access inside a stage service.
//
// A Guard owns one device and the model resident on it. Acquire returns a
// Lease only when no other lease is outstanding for that device, loading the
// requested model first when a different one is resident. Release keeps the
// model warm. In reject mode a held device fails fast with ErrBusy, which the
// orchestrator treats as transient.
package guard
