// Package store provides the document repository used by the delivery
// pipeline.
//
// The repository exposes get, create and a conditional update. Updates carry
// an Expect value listing the field values the document must still hold; the
// check and the write happen atomically, which is what stops two concurrent
// requests from sending the same draft. Writes that must land together with
// an update (the tracking pixel created at send time) are passed as linked
// writes and committed in the same transaction.
//
// Two implementations exist: Firestore for deployments and Memory for local
// runs and tests.
package store
