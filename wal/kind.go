package wal

import "fmt"

// Kind identifies the operation a marker records. The set is closed; every
// switch over Kind in this module is exhaustive.
//
// Numeric values are part of the wire format and must never be reused.
type Kind uint16

const (
	KindInvalid Kind = 0

	KindCreateDatabase Kind = 1100
	KindDropDatabase   Kind = 1101

	KindCreateCollection Kind = 2000
	KindDropCollection   Kind = 2001
	KindRenameCollection Kind = 2002
	KindChangeCollection Kind = 2003

	KindCreateIndex Kind = 2100
	KindDropIndex   Kind = 2101

	KindBeginTransaction  Kind = 2200
	KindCommitTransaction Kind = 2201
	KindAbortTransaction  Kind = 2202

	KindInsert Kind = 2300
	KindUpdate Kind = 2301
	KindRemove Kind = 2302
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindCreateDatabase, KindDropDatabase,
		KindCreateCollection, KindDropCollection, KindRenameCollection, KindChangeCollection,
		KindCreateIndex, KindDropIndex,
		KindBeginTransaction, KindCommitTransaction, KindAbortTransaction,
		KindInsert, KindUpdate, KindRemove:
		return true
	case KindInvalid:
		return false
	}
	return false
}

// IsData reports whether k mutates documents
func (k Kind) IsData() bool {
	switch k {
	case KindInsert, KindUpdate, KindRemove:
		return true
	}
	return false
}

// IsTransactionControl reports whether k opens or closes a transaction
func (k Kind) IsTransactionControl() bool {
	switch k {
	case KindBeginTransaction, KindCommitTransaction, KindAbortTransaction:
		return true
	}
	return false
}

// IsDDL reports whether k changes the catalog (databases, collections, indexes)
func (k Kind) IsDDL() bool {
	switch k {
	case KindCreateDatabase, KindDropDatabase,
		KindCreateCollection, KindDropCollection, KindRenameCollection, KindChangeCollection,
		KindCreateIndex, KindDropIndex:
		return true
	}
	return false
}

// IsDatabaseLevel reports whether k targets a whole database rather than a collection
func (k Kind) IsDatabaseLevel() bool {
	return k == KindCreateDatabase || k == KindDropDatabase
}

// IsDrop reports whether k removes a catalog entity. Drop markers are always
// delivered, even when the dropped entity can no longer be resolved.
func (k Kind) IsDrop() bool {
	return k == KindDropDatabase || k == KindDropCollection
}

// IsTerminal reports whether k ends a transaction
func (k Kind) IsTerminal() bool {
	return k == KindCommitTransaction || k == KindAbortTransaction
}

func (k Kind) String() string {
	switch k {
	case KindCreateDatabase:
		return "create-database"
	case KindDropDatabase:
		return "drop-database"
	case KindCreateCollection:
		return "create-collection"
	case KindDropCollection:
		return "drop-collection"
	case KindRenameCollection:
		return "rename-collection"
	case KindChangeCollection:
		return "change-collection"
	case KindCreateIndex:
		return "create-index"
	case KindDropIndex:
		return "drop-index"
	case KindBeginTransaction:
		return "begin-transaction"
	case KindCommitTransaction:
		return "commit-transaction"
	case KindAbortTransaction:
		return "abort-transaction"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	case KindInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}
