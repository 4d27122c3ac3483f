// Package domain holds the dispatcher's data model: recipients, trigger facts,
// notification decisions, ledger entries and their dedup keys.
package domain
