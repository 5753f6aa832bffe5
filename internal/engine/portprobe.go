package engine

import "net"

// tcpBindFree reports whether a TCP bind to 0.0.0.0:port succeeds and
// closes cleanly. This is condition (a) of the port-availability probe;
// condition (b) — no container already publishes the port — is checked
// by the caller via PublishedPorts.
func tcpBindFree(port string) bool {
	ln, err := net.Listen("tcp", "0.0.0.0:"+port)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
