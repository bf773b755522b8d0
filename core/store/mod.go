// Package store defines the primitives shared by the storage layers.
package store

// Transaction is a generic interface that store implementations can use to
// provide atomicity across components. A component that accepts a transaction
// performs its writes inside it instead of opening its own.
type Transaction interface {
	// OnCommit adds a callback to be executed after the transaction
	// successfully commits.
	OnCommit(func())
}
