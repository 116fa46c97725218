package dialer

// Package dialer provides outbound dialing implementations used by strait.
//
// Dialers implement a small interface (DialContext) and are used by proxy
// listeners to establish outbound connections either directly or tunnelled
// through an upstream SOCKS5 proxy. The socks5:// scheme resolves a domain
// proxy host locally before dialing; socks5h:// hands the domain to the
// transport untouched.
