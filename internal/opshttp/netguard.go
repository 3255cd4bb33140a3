package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/orderguard/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and link-local ranges, and any
// request that came through a proxy. The admin port is never meant to sit behind the load balancer.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !nonPublicPeer(r.RemoteAddr) || r.Header.Get("X-Forwarded-For") != "" {
			L.Warn(r.Context(), "ops request rejected",
				"remote_addr", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
