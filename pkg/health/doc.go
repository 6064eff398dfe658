// Package health provides reusable reachability probes. The poller uses
// HTTPChecker as the ad-hoc probe behind `poller connection test`, to
// confirm a connection's webhook endpoint responds before trusting it
// with live order traffic.
package health
