// Package web3 holds the read-only chain access used when a run targets a
// live test network: chain definitions loaded from YAML, an EVM client built
// on go-ethereum and a registry that picks the configured default chain.
package web3
