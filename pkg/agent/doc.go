/*
Package agent implements the kube9 node agent.

The agent runs next to a node, registers it with the control plane over the
HTTP API and then sends a heartbeat every interval with the node's component
states. The control plane only needs those heartbeats: a node whose agent
goes quiet for longer than the missed threshold is marked failed by the
health monitor.

	a, _ := agent.NewAgent(agent.Config{
		Client: client.NewClient("manager:8080"),
		Spec:   types.NodeSpec{Name: "worker-1", CPUTotal: 8},
	})
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

Restarting an agent re-uses the node already registered under its name, as
long as the control plane has not given up on it.
*/
package agent
