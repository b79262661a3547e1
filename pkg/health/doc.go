/*
Package health checks the components of a node for the node agent.

A Prober holds one Checker per component (kubelet, container_runtime and so
on) and turns their results into the component map carried by heartbeats.
A component is reported failed only after Config.Retries consecutive failed
checks, and running again after the first success. Components without a
check are reported running.

Three checkers are available:

	HTTPChecker  GET a health endpoint, 200-399 is healthy
	TCPChecker   connect to an address
	ExecChecker  run a command on the node, exit code 0 is healthy

Checks can be loaded from YAML:

	kubelet:
	  type: http
	  target: http://127.0.0.1:10248/healthz
	container_runtime:
	  type: exec
	  command: ["systemctl", "is-active", "--quiet", "containerd"]
	kube_proxy:
	  type: tcp
	  target: 127.0.0.1:10256
	  timeout: 2s
*/
package health
