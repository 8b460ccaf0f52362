// Package protocol defines the call surface the harness drives.
//
// A vault and a strategy are external collaborators. The harness never looks
// inside them; it only deposits, harvests, migrates and reads views through
// the interfaces declared here. Two backends implement them:
//
//   - the in-process simulation (packages chain, token, yield, vault, strategy)
//   - live contracts on a forked node (package evm)
//
// All amounts are *uint256.Int in the want token's smallest unit. Every
// state-changing call names its sender explicitly and returns a Receipt with
// the decoded events of the transaction. A failed transaction surfaces as a
// *RevertError.
package protocol
