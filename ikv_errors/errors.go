// Provides common indexedkv error definitions.
package ikv_errors

import "errors"

var (
	ErrPathSyntax     = errors.New("indexedkv: bad field path syntax")
	ErrPathType       = errors.New("indexedkv: field path does not match declared type")
	ErrReservedToken  = errors.New("indexedkv: reserved token in key or value")
	ErrQueryCondition = errors.New("indexedkv: query needs a value or at least one range bound")
	ErrIndexExists    = errors.New("indexedkv: index already registered")
	ErrIndexUnknown   = errors.New("indexedkv: index not registered")
	ErrCollectionName = errors.New("indexedkv: bad collection name")
	ErrClosed         = errors.New("indexedkv: database is closed")
)
