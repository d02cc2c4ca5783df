package tally

import "github.com/xraph/tally/types"

// Re-export common types so callers don't have to import the types package.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	ETB        = types.ETB
	USD        = types.USD
	Zero       = types.Zero
	ParseMajor = types.ParseMajor
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
