package resolver

// Package resolver provides DNS resolution for relay destinations and
// proxy addresses.
//
// A Resolver answers A and AAAA lookups; implementations exist for a
// configured wire-format DNS server (github.com/miekg/dns), the operating
// system resolver, and a caching wrapper. Config couples a Resolver with
// the address-family policy that decides how a domain becomes one IP:
// single-family modes look up once and pick randomly, dual modes race both
// families and take whichever answers first.
