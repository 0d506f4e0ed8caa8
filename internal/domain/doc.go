// Package domain defines the data models and contracts shared across bazaar.
// It contains plain types (wire/state) and contracts (interfaces) only; the
// relay pool, signers, stores and services implement them elsewhere.
package domain
