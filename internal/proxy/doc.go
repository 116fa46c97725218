package proxy

// Package proxy implements the strait listener-side SOCKS5 server and its
// datagram relay.
//
// It contains the SOCKS5 server (CONNECT and UDP ASSOCIATE), the per-session
// UDP relay that shuttles datagrams between the client-facing north socket
// and the backend-facing south socket, packet inspection hooks, and shared
// plumbing such as bidirectional copy.
