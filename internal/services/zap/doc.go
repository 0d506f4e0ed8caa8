// Package zap confirms Lightning zaps by finding and checking their kind 9735
// receipts on relays.
package zap
