// Package discovery advertises and resolves the link endpoints of stacks
// via DNS-SD.
//
// A stack listening for links publishes a _bthost._tcp service whose
// instance name is derived from its device address and whose TXT records
// carry the address, name and ACL buffer size. Peers resolve an address to
// a host:port with Lookup or list every endpoint with Browse.
package discovery
