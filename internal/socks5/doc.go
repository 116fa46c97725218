package socks5

// Package socks5 implements the SOCKS5 protocol (RFC 1928) wire codec and
// the client side of the handshake, including username/password
// sub-negotiation (RFC 1929), BIND, and UDP ASSOCIATE.
//
// The codec is strict: a message is either fully decoded or rejected, and
// malformed input is reported as ErrProtocol. UDP datagrams carry a
// fragment number on the wire, but fragmentation is unsupported throughout;
// any nonzero fragment byte is rejected, never silently dropped.
//
// Server-side negotiation helpers live here too so internal/proxy and
// internal/dialer share one set of protocol types.
