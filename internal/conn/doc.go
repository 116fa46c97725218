package conn

// Package conn provides shared listener and socket plumbing: TCP listeners
// that apply keepalive configuration to accepted connections, UDP socket
// helpers for the relay, and keepalive application for outbound dials.
