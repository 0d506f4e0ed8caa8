// Package commands implements the bazaar CLI.
//
// Configuration comes from BAZAAR_* environment variables (see app.Config);
// the persistent flags override the most common ones.
//
// Commands:
//   - serve: run the HTTP sweep triggers.
//   - sweep: run one settlement sweep for one or every active seller.
//   - signer login|whoami|ping: manage the operator's stored signer.
//   - outbox retry: re-publish events relays did not accept.
//   - zap verify: wait for and validate a zap receipt.
package commands
